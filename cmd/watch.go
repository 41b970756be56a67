/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"net"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/allbin/meshbridge/internal/bridge"
	"github.com/allbin/meshbridge/internal/frame"
	"github.com/allbin/meshbridge/internal/tui/models"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [host[:port]]",
	Short: "Watch a running bridge in an interactive terminal",
	Long: `Connect to a bridge as a TCP client and show the frames and device log
lines it relays. The view reconnects when the bridge goes away.

Press w to ask the radio for its configuration, which makes it dump its
settings and node database.

Examples:
  meshbridge watch
  meshbridge watch raspberrypi.local
  meshbridge watch 10.0.0.5:4403 --want-config`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "localhost"
		if len(args) == 1 {
			target = args[0]
		}

		wantConfig, _ := cmd.Flags().GetBool("want-config")
		maxPayload, _ := cmd.Flags().GetInt("max-payload")

		m := models.NewWatch(watchAddr(target), models.WatchOptions{
			MaxPayload:          maxPayload,
			WantConfigOnConnect: wantConfig,
		})
		defer m.Cleanup()

		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Bool("want-config", false, "request the radio config as soon as connected")
	watchCmd.Flags().Int("max-payload", frame.DefaultMaxPayload, "largest frame payload accepted by the decoder")
}

// watchAddr adds the default bridge port when target has none
func watchAddr(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, strconv.Itoa(bridge.DefaultPort))
}
