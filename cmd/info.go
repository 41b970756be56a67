/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allbin/meshbridge/internal/bridge"
	"github.com/allbin/meshbridge/internal/discovery"
	"github.com/allbin/meshbridge/internal/tui/styles"
	"github.com/allbin/meshbridge/serial"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <port>",
	Short: "Display detailed information about a serial port",
	Long: `Display detailed information about a serial port including USB metadata
and the service name the bridge would advertise for it.

Examples:
  meshbridge info /dev/ttyUSB0
  meshbridge info /dev/ttyACM0`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		info, err := serial.GetPortInfo(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, styles.ErrorStyle.Render(fmt.Sprintf("Error getting port info: %v", err)))
			os.Exit(1)
		}
		fmt.Print(renderInfo(info))
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

type field struct {
	label string
	value string
}

func renderFields(b *strings.Builder, fields []field) {
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(b, "  %s %s\n",
			styles.LabelStyle.Width(14).Render(f.label+":"),
			styles.ValueStyle.Render(f.value))
	}
}

func renderInfo(info *serial.PortInfo) string {
	var b strings.Builder
	b.WriteString(styles.HeaderStyle.Render("Port Information: " + info.Path))
	b.WriteString("\n")
	renderFields(&b, []field{
		{"Name", info.Name},
		{"Description", info.Description},
	})

	if info.IsUSB() {
		b.WriteString("\n")
		b.WriteString(styles.HeaderStyle.Render("USB Device Information"))
		b.WriteString("\n")
		renderFields(&b, []field{
			{"Vendor ID", info.VendorID},
			{"Product ID", info.ProductID},
			{"Serial", info.SerialNumber},
			{"Interface", info.InterfaceNumber},
			{"Bus", info.BusNumber},
			{"Device", info.DeviceNumber},
			{"Manufacturer", info.Manufacturer},
			{"Product", info.Product},
		})
	}

	b.WriteString("\n")
	b.WriteString(styles.HeaderStyle.Render("Bridge Advertisement"))
	b.WriteString("\n")
	renderFields(&b, []field{
		{"Service", discovery.ServiceType},
		{"Instance", discovery.DefaultInstanceName(info.Path)},
		{"Avahi file", discovery.ServiceFileName(info.Path)},
		{"Port", strconv.Itoa(bridge.DefaultPort)},
	})
	return b.String()
}
