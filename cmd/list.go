/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/allbin/meshbridge/internal/tui/styles"
	"github.com/allbin/meshbridge/serial"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available serial ports",
	Long: `List the serial ports a radio could be attached to.

This command scans for communication-capable serial devices including:
- USB serial adapters (ttyUSB*)
- USB CDC/ACM devices (ttyACM*), as used by most ESP32 and nRF52 boards
- Standard serial ports (ttyS*)
- ARM/Raspberry Pi ports (ttyAMA*)

Virtual terminals and pseudo-terminals are excluded from the listing.`,
	Run: func(cmd *cobra.Command, args []string) {
		ports, err := serial.DetailedPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}

		filterType, _ := cmd.Flags().GetString("filter")
		tableFormat, _ := cmd.Flags().GetBool("table")

		filtered := filterPorts(ports, filterType)
		if len(filtered) == 0 {
			if filterType != "" {
				fmt.Printf("No serial ports found matching filter: %s\n", filterType)
			} else {
				fmt.Println("No serial ports found")
			}
			return
		}

		if tableFormat {
			fmt.Print(renderTable(filtered))
		} else {
			for _, p := range filtered {
				fmt.Println(p.Path)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("filter", "f", "", "Filter by port type: usb, standard, arm, all")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

// filterPorts filters the port list based on the specified filter type
func filterPorts(ports []serial.PortInfo, filterType string) []serial.PortInfo {
	filterType = strings.ToLower(filterType)
	if filterType == "" || filterType == "all" {
		return ports
	}

	var filtered []serial.PortInfo
	for _, p := range ports {
		name := strings.ToLower(p.Name)
		var match bool
		switch filterType {
		case "usb":
			match = p.IsUSB() || strings.HasPrefix(name, "ttyusb") || strings.HasPrefix(name, "ttyacm")
		case "standard":
			match = strings.HasPrefix(name, "ttys")
		case "arm":
			match = strings.HasPrefix(name, "ttyama")
		}
		if match {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func usbID(p serial.PortInfo) string {
	if !p.IsUSB() {
		return "-"
	}
	return p.VendorID + ":" + p.ProductID
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// renderTable renders the port list in a styled static table format
func renderTable(ports []serial.PortInfo) string {
	const (
		portWidth   = 15
		typeWidth   = 16
		idWidth     = 11
		serialWidth = 20
	)

	cellStyle := lipgloss.NewStyle().PaddingRight(2)

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d serial port(s):\n\n", len(ports))

	header := fmt.Sprintf("%-*s %-*s %-*s %-*s %s",
		portWidth, "Port",
		typeWidth, "Type",
		idWidth, "VID:PID",
		serialWidth, "Serial",
		"Description")
	b.WriteString(styles.HeaderStyle.Render(header))
	b.WriteString("\n")

	for _, p := range ports {
		row := fmt.Sprintf("%-*s %-*s %-*s %-*s %s",
			portWidth, p.Name,
			typeWidth, getPortType(p.Name),
			idWidth, usbID(p),
			serialWidth, orDash(p.SerialNumber),
			p.Description)
		b.WriteString(cellStyle.Render(row))
		b.WriteString("\n")
	}
	return b.String()
}

// getPortType returns a more specific type classification for the port
func getPortType(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "ttyusb"):
		return "USB Serial"
	case strings.HasPrefix(name, "ttyacm"):
		return "USB CDC/ACM"
	case strings.HasPrefix(name, "ttyama"):
		return "ARM Serial"
	case strings.HasPrefix(name, "ttymxc"):
		return "i.MX Serial"
	case strings.HasPrefix(name, "ttyths"):
		return "Tegra Serial"
	case strings.HasPrefix(name, "ttys"):
		return "Standard Serial"
	default:
		return "Serial Port"
	}
}
