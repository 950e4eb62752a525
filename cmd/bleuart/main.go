// Command bleuart sends one command to a Nordic UART peripheral and prints
// every response fragment it streams back before closing the link.
//
// Usage:
//
//	bleuart -scan
//	bleuart -device AA:BB:CC:DD:EE:FF -command '*log?\r' [-format text|hex|yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bleuart/internal/ble"
	"github.com/chaz8081/bleuart/internal/ble/protocol"
	"github.com/chaz8081/bleuart/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleuart/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	scanOnly := flag.Bool("scan", false, "list nearby UART peripherals and exit")
	device := flag.String("device", "", "peripheral address (overrides device.address)")
	command := flag.String("command", "", "command to send (overrides exchange.command)")
	retries := flag.Int("retries", 0, "reconnection attempts (overrides exchange.max_retries)")
	delay := flag.Duration("delay", 0, "delay before each connection attempt (overrides exchange.connect_delay_ms)")
	timeout := flag.Duration("timeout", 0, "overall exchange deadline, 0 for none (overrides exchange.timeout_ms)")
	format := flag.String("format", "", "output format: text, hex or yaml (overrides output.format)")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Flags set explicitly win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device.Address = *device
		case "command":
			cfg.Exchange.Command = *command
		case "retries":
			cfg.Exchange.MaxRetries = *retries
		case "delay":
			cfg.Exchange.ConnectDelayMS = int(delay.Milliseconds())
		case "timeout":
			cfg.Exchange.TimeoutMS = int(timeout.Milliseconds())
		case "format":
			cfg.Output.Format = *format
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	adapter := ble.NewTinyGoAdapter()
	cache := ble.NewScanCache()

	if *scanOnly {
		if err := listDevices(adapter, cache, cfg.Device.ScanTimeout()); err != nil {
			log.Fatalf("scan: %v", err)
		}
		return
	}

	if err := cfg.ValidateExchange(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	payload, err := protocol.ParseCommand(cfg.Exchange.Command)
	if err != nil {
		log.Fatalf("command: %v", err)
	}

	log.Printf("Scanning for %s (up to %s)...", cfg.Device.Address, cfg.Device.ScanTimeout())
	if _, err := ble.ScanForDevices(adapter, cache, cfg.Device.Address, cfg.Device.ScanTimeout()); err != nil {
		log.Fatalf("scan: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := ble.Exchange(ctx, cache, adapter, ble.SessionOptions{
		DeviceID:        cfg.Device.Address,
		Command:         payload,
		ConnectDelay:    cfg.Exchange.ConnectDelay(),
		MaxRetries:      cfg.Exchange.MaxRetries,
		ExchangeTimeout: cfg.Exchange.Timeout(),
	})
	if err != nil {
		stop()
		var bleErr *ble.Error
		if errors.As(err, &bleErr) {
			log.Fatalf("exchange failed [%s]: %v", bleErr.Code, err)
		}
		log.Fatalf("exchange: %v", err)
	}
	log.Printf("Received %d fragments in %s", len(res.Raw), time.Since(start).Round(time.Millisecond))

	if err := protocol.Render(os.Stdout, cfg.Output.Format, res.ID, res.Raw, res.Text); err != nil {
		log.Fatalf("output: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// listDevices scans for the full timeout and prints every UART peripheral seen.
func listDevices(adapter *ble.TinyGoAdapter, cache *ble.ScanCache, timeout time.Duration) error {
	log.Printf("Scanning for %s...", timeout)
	if _, err := ble.ScanForDevices(adapter, cache, "", timeout); err != nil {
		return err
	}
	devices := cache.Devices()
	if len(devices) == 0 {
		fmt.Println("No UART peripherals found")
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%-40s %-20s %4d dBm\n", d.Address, name, d.RSSI)
	}
	return nil
}
