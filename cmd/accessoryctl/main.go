// Command accessoryctl is an interactive console for an accessory attached
// over a USB serial tty.
//
// Usage:
//
//	accessoryctl [flags]
//
// Flags:
//
//	-config string      Configuration file path (YAML)
//	-device string      Only consider this tty path
//	-serial string      Expected accessory serial (default "1123456789")
//	-permission string  Permission mode: manual, polkit
//	-log-level string   Log level: debug, info, warn, error
//	-connect            Connect immediately on start
//
// Examples:
//
//	# Enumerate USB ttys and connect on start
//	accessoryctl -connect
//
//	# Fixed device, polkit authorization
//	accessoryctl -device /dev/ttyACM0 -permission polkit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	accessory "github.com/luhtfiimanal/go-linux-accessory"
)

type flags struct {
	configFile string
	device     string
	serial     string
	permission string
	logLevel   string
	connect    bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&f.device, "device", "", "Only consider this tty path")
	flag.StringVar(&f.serial, "serial", "", "Expected accessory serial")
	flag.StringVar(&f.permission, "permission", "", "Permission mode: manual, polkit")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&f.connect, "connect", false, "Connect immediately on start")
	flag.Parse()
	return f
}

func loadConfig(f flags) (accessory.Config, error) {
	cfg := accessory.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = accessory.LoadConfig(f.configFile); err != nil {
			return cfg, err
		}
	}
	if f.device != "" {
		cfg.Device = f.device
	}
	if f.serial != "" {
		cfg.ExpectedSerial = f.serial
	}
	if f.permission != "" {
		cfg.Permission = f.permission
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "accessory> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: rl.Stderr(), TimeFormat: "15:04:05.000"}).
		Level(cfg.Level()).
		With().Timestamp().Logger()

	c := newConsole(rl, cfg)

	perms, closePerms, err := permissions(cfg, c, logger)
	if err != nil {
		return err
	}
	defer closePerms()

	deps := accessory.Dependencies{
		Discoverer:  accessory.NewSerialDiscoverer(cfg),
		Permissions: perms,
		Factory:     accessory.SerialFactory{BaudRate: cfg.BaudRate},
		Logger:      &logger,
	}
	if cfg.WatchDetach {
		deps.Detach = accessory.DeviceWatcher{Logger: logger}
	}

	m, err := accessory.NewManager(cfg, deps, c)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	c.m = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info().Msg("Shutting down")
			cancel()
			rl.Close()
		case <-ctx.Done():
		}
	}()

	logger.Info().
		Str("expected_serial", cfg.ExpectedSerial).
		Str("device", cfg.Device).
		Str("permission", cfg.Permission).
		Msg("accessoryctl ready")

	if f.connect {
		c.connect(ctx)
	}
	c.run(ctx)
	return nil
}

// permissions builds the provider selected in cfg and its cleanup func.
func permissions(cfg accessory.Config, c *console, logger zerolog.Logger) (accessory.PermissionProvider, func(), error) {
	switch cfg.Permission {
	case accessory.PermissionPolkit:
		a, err := accessory.NewPolkitAuthorizer(cfg.PolkitAction, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { a.Close() }, nil
	default:
		p := &accessory.ManualPermissions{OnRequest: c.announceRequest}
		c.manual = p
		return p, func() {}, nil
	}
}
