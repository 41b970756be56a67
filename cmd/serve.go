/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/allbin/meshbridge/internal/bridge"
	"github.com/allbin/meshbridge/internal/config"
	"github.com/allbin/meshbridge/internal/discovery"
	"github.com/allbin/meshbridge/internal/logging"
	"github.com/allbin/meshbridge/internal/mirror"
	"github.com/allbin/meshbridge/internal/registry"
	"github.com/allbin/meshbridge/serial"
)

// flagKeys maps serve flags to configuration keys
var flagKeys = map[string]string{
	"device":                     "device",
	"baud":                       "baud",
	"host":                       "host",
	"port":                       "port",
	"reconnect-delay":            "reconnect_delay",
	"poll-interval":              "poll_interval",
	"min-runtime":                "min_runtime",
	"max-rapid-fails":            "max_rapid_fails",
	"wait-for-device":            "wait_for_device",
	"max-payload":                "max_payload",
	"service-name":               "service_name",
	"discovery":                  "discovery",
	"avahi-dir":                  "avahi_dir",
	"replay-window":              "replay_window",
	"drop-clients-on-disconnect": "drop_clients_on_disconnect",
	"client-queue":               "client_queue",
	"log-level":                  "log_level",
	"log-format":                 "log_format",
	"mqtt-broker":                "mqtt.broker",
	"mqtt-topic":                 "mqtt.topic",
	"mqtt-client-id":             "mqtt.client_id",
	"mqtt-username":              "mqtt.username",
	"mqtt-password":              "mqtt.password",
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bridge a serial radio to TCP clients",
	Long: `Open the serial device and relay its byte stream to every connected TCP
client, and client bytes back to the device. The device is reopened after
unplugs; when it fails repeatedly right after opening the bridge exits
with status 2.

Settings come from flags, MESHBRIDGE_* environment variables (the legacy
SERIAL_DEVICE, TCP_PORT, BAUD_RATE and SERVICE_NAME are honoured too) and
an optional meshbridge.yaml.

Examples:
  meshbridge serve
  meshbridge serve -d /dev/ttyACM0 -p 4403 --discovery mdns
  SERIAL_DEVICE=/dev/ttyUSB1 meshbridge serve --mqtt-broker localhost:1883`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runServe(ctx, cfg, log); err != nil {
			log.Error().Err(err).Msg("bridge stopped")
			return &exitError{code: exitCodeFor(err), err: err}
		}
		log.Info().Msg("bridge stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	d := config.Default()
	f := serveCmd.Flags()
	f.StringP("device", "d", d.Device, "serial device path")
	f.IntP("baud", "b", d.Baud, "baud rate")
	f.String("host", d.Host, "TCP listen address")
	f.IntP("port", "p", d.Port, "TCP listen port")
	f.Duration("reconnect-delay", d.ReconnectDelay, "delay before reopening the device after a session ends")
	f.Duration("poll-interval", d.PollInterval, "device presence poll interval while waiting")
	f.Duration("min-runtime", d.MinRuntime, "sessions shorter than this count as rapid failures")
	f.Int("max-rapid-fails", d.MaxRapidFails, "consecutive rapid failures before giving up")
	f.Bool("wait-for-device", d.WaitForDevice, "wait for the device at startup instead of failing")
	f.Int("max-payload", d.MaxPayload, "largest frame payload accepted by the decoder")
	f.String("service-name", d.ServiceName, "advertised service instance name")
	f.String("discovery", d.Discovery, "service advertisement: avahi, mdns, both or none")
	f.String("avahi-dir", d.AvahiDir, "avahi service file directory")
	f.Duration("replay-window", d.ReplayWindow, "cache frames this long after connect and replay them to late clients, 0 disables")
	f.Bool("drop-clients-on-disconnect", d.DropClientsOnDisconnect, "close TCP clients when the device goes away")
	f.Int("client-queue", d.ClientQueue, "per-client outbound queue length")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	f.String("log-format", d.LogFormat, "log format: console or json")
	f.String("mqtt-broker", d.MQTT.Broker, "mirror frames and device logs to this MQTT broker")
	f.String("mqtt-topic", d.MQTT.Topic, "MQTT topic prefix")
	f.String("mqtt-client-id", d.MQTT.ClientID, "MQTT client id (default meshbridge-<hostname>)")
	f.String("mqtt-username", d.MQTT.Username, "MQTT username")
	f.String("mqtt-password", d.MQTT.Password, "MQTT password")

	for name, key := range flagKeys {
		if err := settings.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func loadConfig() (config.Config, error) {
	config.SetDefaults(settings)
	if err := config.BindEnv(settings); err != nil {
		return config.Config{}, err
	}
	if err := config.ReadFile(settings, cfgFile); err != nil {
		return config.Config{}, err
	}
	return config.Load(settings)
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, Format: cfg.LogFormat, Out: os.Stderr})
}

// exitCodeFor maps a fatal bridge error to the process exit status
func exitCodeFor(err error) int {
	if errors.Is(err, bridge.ErrCircuitOpen) {
		return 2
	}
	return 1
}

func engineConfig(cfg config.Config) bridge.Config {
	return bridge.Config{
		ReconnectDelay:          cfg.ReconnectDelay,
		MinRuntime:              cfg.MinRuntime,
		MaxRapidFails:           cfg.MaxRapidFails,
		WaitForDevice:           cfg.WaitForDevice,
		MaxPayload:              cfg.MaxPayload,
		ReplayWindow:            cfg.ReplayWindow,
		DropClientsOnDisconnect: cfg.DropClientsOnDisconnect,
	}
}

// openDevice builds the serial device the engine drives; tests replace it
var openDevice = func(cfg config.Config) bridge.Device {
	return bridge.NewSerialDevice(cfg.Device, cfg.PollInterval,
		serial.WithBaudRate(cfg.Baud),
		serial.WithExclusive(true),
	)
}

// runServe wires the bridge together and blocks until ctx is cancelled or
// the engine gives up
func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log.Info().
		Str("device", cfg.Device).
		Int("baud", cfg.Baud).
		Str("addr", cfg.Addr()).
		Str("version", Version).
		Msg("starting bridge")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clients := registry.New(logging.Component(log, "clients"), registry.WithQueueSize(cfg.ClientQueue))
	device := openDevice(cfg)

	registrar, err := discovery.New(cfg.Discovery, cfg.AvahiDir)
	if err != nil {
		return err
	}
	record := discovery.NewRecord(cfg.ServiceName, cfg.Port, cfg.Device, cfg.Baud, Version)

	opts := []bridge.Option{
		bridge.WithLogger(log),
		bridge.WithDiscovery(registrar, record),
	}

	var wg sync.WaitGroup
	if cfg.MQTT.Enabled() {
		mlog := logging.Component(log, "mirror")
		client, err := mirror.Connect(mirror.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, mlog)
		if err != nil {
			return fmt.Errorf("mqtt mirror: %w", err)
		}
		defer client.Close()

		m := mirror.New(client, cfg.MQTT.Topic, mlog)
		opts = append(opts, bridge.WithFrameSink(m))
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(runCtx)
		}()
	}

	engine, err := bridge.New(engineConfig(cfg), device, clients, opts...)
	if err != nil {
		return err
	}

	listener, err := bridge.Listen(runCtx, cfg.Addr(), clients, engine, logging.Component(log, "listener"))
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Serve(runCtx); err != nil {
			log.Error().Err(err).Msg("listener stopped")
		}
	}()

	runErr := engine.Run(runCtx)

	cancel()
	listener.Close()
	clients.Close()
	listener.Wait()
	wg.Wait()

	return runErr
}
