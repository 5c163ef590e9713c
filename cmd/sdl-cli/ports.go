package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bug.st/serial/enumerator"
)

func init() {
	portsCmd.AddCommand(listPortsCmd)
	portsCmd.AddCommand(setPortCmd)

	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Manage the serial port carrying the SDL link",
}

var listPortsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the serial ports detected on the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := hostPorts()
		if err != nil {
			return err
		}

		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports detected")
			return nil
		}

		printHostPorts(cmd.OutOrStdout(), ports)
		return nil
	},
}

// printHostPorts writes one line per detected port, marking the one the
// config currently selects.
func printHostPorts(w io.Writer, ports []hostPort) {
	for i, p := range ports {
		marker := " "
		if p.Name == port {
			marker = "*"
		}

		fmt.Fprintf(w, "%s [%d] %s", marker, i, p.Name)
		if p.USB {
			fmt.Fprintf(w, "\tUSB %s:%s %s", p.VendorID, p.ProductID, p.Product)
		}
		fmt.Fprintln(w)
	}
}

var setPortCmd = &cobra.Command{
	Use:   "set <index|name>",
	Short: "Persist the SDL link port in the config file",
	Long: `Persist the SDL link port in the config file.

The port is selected by its index from 'ports list' or by device name.
Only the device path is configurable; the link itself always runs at
7812 baud 8N1.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := hostPorts()
		if err != nil {
			return err
		}

		name, err := resolvePort(ports, args[0])
		if err != nil {
			return err
		}

		viper.Set(portSettingName, name)
		if err = viper.WriteConfig(); err != nil {
			return errors.Wrap(err, "writing config")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "SDL link port set to '%s'\n", name)
		return nil
	},
}

// resolvePort matches a 'ports set' argument against the detected ports,
// by list index first and device name second.
func resolvePort(ports []hostPort, arg string) (string, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if i < 0 || i >= len(ports) {
			return "", errors.Errorf("port index %d out of range (%d ports detected)", i, len(ports))
		}
		return ports[i].Name, nil
	}

	for _, p := range ports {
		if p.Name == arg {
			return p.Name, nil
		}
	}
	return "", errors.Errorf("no detected port named '%s'", arg)
}

type hostPort struct {
	Name      string
	Product   string
	USB       bool
	VendorID  string
	ProductID string
}

// hostPorts returns the serial ports detected on the current host.
func hostPorts() ([]hostPort, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating serial ports")
	}

	ports := make([]hostPort, len(list))
	for i, p := range list {
		ports[i] = hostPort{
			Name:      p.Name,
			Product:   p.Product,
			USB:       p.IsUSB,
			VendorID:  p.VID,
			ProductID: p.PID,
		}
	}

	return ports, nil
}
