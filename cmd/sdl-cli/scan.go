package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/suzukisdl/sdlogger/protocols/sdl"
	"github.com/suzukisdl/sdlogger/units"
)

var (
	scanTimeout   time.Duration
	tableMode     string
	scanParams    []string
	includeDTC    bool
	dtcOnly       bool
	logFileName   string
	pollInterval  time.Duration
	imperialUnits bool
)

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "stop scanning after this duration (0 scans until interrupted)")
	scanCmd.Flags().StringVar(&tableMode, "table", "values", "output table: values or raw (raw bypasses parameter-name resolution)")
	scanCmd.Flags().StringSliceVar(&scanParams, "param", nil, "parameter IDs or hex addresses to scan (default: the whole table)")
	scanCmd.Flags().BoolVar(&includeDTC, "dtc", false, "include the fault code bytes in the scan")
	scanCmd.Flags().BoolVar(&dtcOnly, "dtc-only", false, "scan only the fault code bytes")
	scanCmd.Flags().StringVar(&logFileName, "log-file", "", "CSV file to log readings to")
	scanCmd.Flags().DurationVar(&pollInterval, "interval", sdl.DefaultPollInterval, "pause between poll cycles")
	scanCmd.Flags().BoolVar(&imperialUnits, "imperial", false, "display temperatures in F and speeds in mph")

	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:          "scan",
	Short:        "Poll the ECU for live data and decode it against the parameter table.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port == "" {
			return errors.New("the port setting is required for scanning")
		}
		if len(scanParams) > 0 && tableMode != "raw" {
			return errors.New("individual parameters are only available with the 'raw' table")
		}
		if dtcOnly && tableMode != "raw" {
			return errors.New("--dtc-only is only available with the 'raw' table")
		}

		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		addresses, err := scanAddresses(reg)
		if err != nil {
			return err
		}

		session, err := createSession(port, sdlLogger(cmd))
		if err != nil {
			return errors.Wrap(err, "creating session")
		}
		defer session.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		if scanTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, scanTimeout)
			defer cancel()
		}

		stdOut := cmd.OutOrStdout()
		id, err := session.ECUID(ctx)
		if err != nil {
			return errors.Wrap(err, "reading ECU ID")
		}
		if !quiet {
			fmt.Fprintf(stdOut, "ECU ID: % x\n", id)
		}

		var logWriter *csv.Writer
		if logFileName != "" {
			f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_TRUNC|os.O_RDWR, os.ModePerm)
			if err != nil {
				return errors.Wrap(err, "opening log file")
			}
			defer f.Close()

			logWriter = csv.NewWriter(f)
			if err = logWriter.Write([]string{"timestamp", "address", "name", "raw", "value", "unit"}); err != nil {
				return errors.Wrap(err, "writing log file header")
			}
			defer logWriter.Flush()
		}

		// the raw table bypasses name resolution entirely; an empty
		// registry turns every address into an unknown-parameter record
		engineReg := reg
		if tableMode == "raw" {
			engineReg, err = sdl.NewRegistry(nil)
			if err != nil {
				return err
			}
		}

		engine := sdl.NewScanEngine(session, engineReg, addresses)
		engine.SetPollInterval(pollInterval)

		for ev := range engine.Run(ctx) {
			switch {
			case ev.Reading != nil:
				r := ev.Reading
				value, unit := displayValue(r.Value, r.Unit, imperialUnits)
				fmt.Fprintf(stdOut, "%s\t%.2f %s\n", r.Name, value, unit)
				if logWriter != nil {
					logWriter.Write([]string{
						r.Timestamp.UTC().Format(time.RFC3339Nano),
						fmt.Sprintf("0x%02x", r.Address),
						r.Name,
						fmt.Sprintf("% x", r.Raw),
						strconv.FormatFloat(value, 'f', 2, 64),
						string(unit),
					})
				}
			case ev.Unknown != nil:
				u := ev.Unknown
				fmt.Fprintf(stdOut, "0x%02x\t% x\n", u.Address, u.Raw)
				if logWriter != nil {
					logWriter.Write([]string{
						u.Timestamp.UTC().Format(time.RFC3339Nano),
						fmt.Sprintf("0x%02x", u.Address),
						"",
						fmt.Sprintf("% x", u.Raw),
						"",
						"",
					})
				}
			case ev.Diagnostic != nil:
				// transient bus noise; the session has already resynced
				sdlLogger(cmd).Debugf("diagnostic: %v\n", ev.Diagnostic)
			}
		}

		if err := engine.Err(); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintln(stdOut, "scan finished")
		}
		return nil
	},
}

// scanAddresses resolves the address list for this run from the flags
// and the registry.
func scanAddresses(reg *sdl.Registry) ([]byte, error) {
	if len(scanParams) > 0 {
		var addrs []byte
		for _, s := range scanParams {
			if p, ok := findParameter(reg, s); ok {
				for i := 0; i < p.Width; i++ {
					addrs = append(addrs, p.Address+byte(i))
				}
				continue
			}

			v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
			if err != nil {
				return nil, errors.Errorf("unknown parameter %q", s)
			}
			addrs = append(addrs, byte(v))
		}
		return addrs, nil
	}

	fault := make(map[string]bool, len(sdl.FaultCodeIDs))
	for _, id := range sdl.FaultCodeIDs {
		fault[id] = true
	}

	var addrs []byte
	for _, p := range reg.Parameters() {
		if dtcOnly && !fault[p.ID] {
			continue
		}
		if !dtcOnly && !includeDTC && fault[p.ID] {
			continue
		}
		for i := 0; i < p.Width; i++ {
			addrs = append(addrs, p.Address+byte(i))
		}
	}
	return addrs, nil
}

// displayValue converts a reading for display. Units with no imperial
// counterpart pass through unchanged.
func displayValue(value float64, unit units.Unit, imperial bool) (float64, units.Unit) {
	if !imperial {
		return value, unit
	}

	switch unit {
	case units.C:
		if v, err := units.Convert(value, units.C, units.F); err == nil {
			return v, units.F
		}
	case units.KMH:
		if v, err := units.Convert(value, units.KMH, units.MPH); err == nil {
			return v, units.MPH
		}
	}
	return value, unit
}

func findParameter(reg *sdl.Registry, id string) (sdl.Parameter, bool) {
	for _, p := range reg.Parameters() {
		if p.ID == id {
			return p, true
		}
	}
	return sdl.Parameter{}, false
}
