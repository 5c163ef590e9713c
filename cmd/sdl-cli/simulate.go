package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/suzukisdl/sdlogger/protocols/sdl"
)

var (
	fixedValues []string
	randomSeed  int64
)

func init() {
	simulateCmd.Flags().StringSliceVar(&fixedValues, "fixed", nil, "pin an address to a raw value, e.g. 0x08=128 (repeatable)")
	simulateCmd.Flags().Int64Var(&randomSeed, "seed", time.Now().UnixNano(), "seed for the randomized values")

	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:          "simulate",
	Short:        "Answer scan-tool requests on the port like a real ECU would.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port == "" {
			return errors.New("the port setting is required for simulating")
		}

		values := sdl.NewRandomValues(randomSeed)
		fixed, err := parseFixedValues(fixedValues)
		if err != nil {
			return err
		}
		values.Fixed = fixed

		session, err := createSession(port, sdlLogger(cmd))
		if err != nil {
			return errors.Wrap(err, "creating session")
		}
		defer session.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		sim := sdl.NewSimulator(session, values, sdlLogger(cmd))
		return sim.Run(ctx)
	},
}

// parseFixedValues parses addr=value pairs like "0x08=128".
func parseFixedValues(pairs []string) (sdl.FixedValues, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	fixed := make(sdl.FixedValues, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid fixed value '%s': want addr=value", pair)
		}

		addr, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing address in '%s'", pair)
		}
		val, err := strconv.ParseUint(parts[1], 0, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing value in '%s'", pair)
		}

		fixed[byte(addr)] = byte(val)
	}
	return fixed, nil
}
