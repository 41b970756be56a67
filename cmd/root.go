/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is advertised in the discovery TXT record
var Version = "2.0.0"

var (
	cfgFile  string
	verbose  bool
	settings = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshbridge",
	Short: "Serial to TCP bridge for Meshtastic radios",
	Long: `meshbridge exposes a Meshtastic node attached over USB serial as a
network node on TCP port 4403, so apps and the Python CLI can reach it
over the LAN. The bridge advertises itself via mDNS, survives unplugs and
reboots of the radio, and stops with a non-zero exit code when the device
keeps failing right after it is opened.

Examples:
  meshbridge serve --device /dev/ttyACM0
  meshbridge list --table
  meshbridge watch localhost:4403`,
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// exitError carries a status code for an error that was already reported
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Execute adds all child commands to the root command and runs it,
// returning the process exit code
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/meshbridge and $HOME/.config/meshbridge)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
