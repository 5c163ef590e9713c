package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/suzukisdl/sdlogger/protocols/sdl"
)

var listenTimeout time.Duration

func init() {
	listenCmd.Flags().DurationVar(&listenTimeout, "timeout", 0, "stop listening after this duration (0 listens until interrupted)")

	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:          "listen",
	Short:        "Capture traffic between another scan tool and the ECU without transmitting.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port == "" {
			return errors.New("the port setting is required for listening")
		}

		reg, err := loadRegistry()
		if err != nil {
			return err
		}

		session, err := createPassiveSession(port, sdlLogger(cmd))
		if err != nil {
			return errors.Wrap(err, "creating session")
		}
		defer session.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		if listenTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, listenTimeout)
			defer cancel()
		}

		stdOut := cmd.OutOrStdout()
		engine := sdl.NewScanEngine(session, reg, nil)

		for ev := range engine.Run(ctx) {
			switch {
			case ev.Reading != nil:
				fmt.Fprintf(stdOut, "%s\t%.2f %s\n", ev.Reading.Name, ev.Reading.Value, ev.Reading.Unit)
			case ev.Unknown != nil:
				fmt.Fprintf(stdOut, "0x%02x\t% x\n", ev.Unknown.Address, ev.Unknown.Raw)
			case ev.Diagnostic != nil:
				sdlLogger(cmd).Debugf("diagnostic: %v\n", ev.Diagnostic)
			}
		}

		if err := engine.Err(); err != nil {
			return err
		}

		state := session.State()
		if !quiet {
			fmt.Fprintf(stdOut, "capture finished (sync: %s, resyncs: %d)\n", state.Sync, state.Resyncs)
		}
		return nil
	},
}
