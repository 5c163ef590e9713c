package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/suzukisdl/sdlogger/protocols/sdl"
)

var (
	actuatorTest  string
	actuatorValue uint8
)

var actuatorTests = map[string]sdl.ActuatorCommand{
	"none":        sdl.ActuatorNone,
	"fixed_spark": sdl.ActuatorFixedSpark,
	"isc":         sdl.ActuatorISC,
}

func init() {
	actuateCmd.Flags().StringVar(&actuatorTest, "test", "", "actuator test to run: none, fixed_spark, or isc")
	actuateCmd.Flags().Uint8Var(&actuatorValue, "value", 0, "test argument, e.g. the ISC duty")
	actuateCmd.MarkFlagRequired("test")

	rootCmd.AddCommand(actuateCmd)
}

var actuateCmd = &cobra.Command{
	Use:          "actuate",
	Short:        "Run an ECU actuator test. Pass --test none to cancel a running test.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port == "" {
			return errors.New("the port setting is required for actuator tests")
		}

		command, ok := actuatorTests[actuatorTest]
		if !ok {
			return errors.Errorf("unknown actuator test '%s'", actuatorTest)
		}

		session, err := createSession(port, sdlLogger(cmd))
		if err != nil {
			return errors.Wrap(err, "creating session")
		}
		defer session.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if err = session.Actuate(ctx, command, actuatorValue); err != nil {
			return err
		}

		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "actuator test '%s' acknowledged\n", actuatorTest)
		}
		return nil
	},
}
