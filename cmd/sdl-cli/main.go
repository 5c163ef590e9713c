package main

import (
	"log"
	"os"
	"path"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/suzukisdl/sdlogger/protocols/sdl"
	"go.bug.st/serial"
)

const portSettingName string = "port"

var configFile string
var parameterFile string
var port string
var quiet bool
var verbose bool

func init() {
	cobra.OnInitialize(func() {
		initConfig()
		postInitCommands(rootCmd.Commands())
	})

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.sdl.yaml)")
	rootCmd.PersistentFlags().StringVar(&port, portSettingName, "", "serial port to connect to. Example: /dev/ttyUSB0")
	rootCmd.PersistentFlags().StringVar(&parameterFile, "parameter-file", "", "YAML parameter table to use instead of the built-in Baleno G13BB table")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "quiet all log output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "provide verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Print(err)
		if sdl.IsDeviceError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sdl-cli",
	Short:         "A CLI for interrogating and simulating a Suzuki ECU over the SDL diagnostic link.",
	SilenceErrors: true,
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(path.Base(configFile))
		viper.AddConfigPath(path.Dir(configFile))
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalf("finding home directory: %v\n", err)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".sdl")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err = viper.SafeWriteConfig(); err != nil {
				log.Fatalf("creating config file: %v\n", err)
			}
		} else {
			log.Fatalf("reading config file: %v\n", err)
		}
	}
}

func postInitCommands(commands []*cobra.Command) {
	for _, cmd := range commands {
		presetRequiredFlags(cmd)
		if cmd.HasSubCommands() {
			postInitCommands(cmd.Commands())
		}
	}
}

func presetRequiredFlags(cmd *cobra.Command) {
	viper.BindPFlags(cmd.Flags())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if viper.IsSet(f.Name) && viper.GetString(f.Name) != "" {
			cmd.Flags().Set(f.Name, viper.GetString(f.Name))
		}
	})
}

func sdlLogger(cmd *cobra.Command) sdl.Logger {
	if !verbose {
		return sdl.NopLogger
	}
	return sdl.DefaultLogger(cmd.OutOrStdout())
}

// loadRegistry returns the parameter registry for this run: the built-in
// Baleno G13BB table, or the dataset named by --parameter-file.
func loadRegistry() (*sdl.Registry, error) {
	if parameterFile == "" {
		return sdl.BalenoG13BB(), nil
	}

	f, err := os.Open(parameterFile)
	if err != nil {
		return nil, errors.Wrapf(err, "opening parameter file '%s'", parameterFile)
	}
	defer f.Close()

	reg, err := sdl.LoadParameters(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading parameter file '%s'", parameterFile)
	}
	return reg, nil
}

func openPort(port string, l sdl.Logger) (serial.Port, error) {
	l.Debugf("opening serial port %s", port)
	sp, err := serial.Open(port, &serial.Mode{
		BaudRate: sdl.BaudRate,
		DataBits: sdl.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port '%s'", port)
	}

	if err = sp.SetReadTimeout(sdl.ReadTimeout); err != nil {
		return nil, errors.Wrap(err, "setting serial port read timeout")
	}
	if err = sp.ResetInputBuffer(); err != nil {
		return nil, errors.Wrap(err, "resetting input buffer")
	}

	return sp, nil
}

func createSession(port string, l sdl.Logger) (*sdl.Session, error) {
	sp, err := openPort(port, l)
	if err != nil {
		return nil, err
	}

	s := sdl.NewSession(sp, l)
	// the K-line ties TX to RX, so we read back our own transmissions
	s.EnableLocalEcho()
	return s, nil
}

func createPassiveSession(port string, l sdl.Logger) (*sdl.Session, error) {
	sp, err := openPort(port, l)
	if err != nil {
		return nil, err
	}
	return sdl.NewPassiveSession(sp, l), nil
}
