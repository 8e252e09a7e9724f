package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/chaz8081/blecentral/internal/config"
)

var curr struct {
	cfg *config.Config
}

func main() {
	app := cli.NewApp()

	app.Name = "blecentral"
	app.Usage = "Scan for, connect to and talk to BLE peripherals"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgConfig, flgLogLevel}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "List peripherals advertising the configured service",
			Before:  setup,
			Action:  cmdScan,
			Flags:   []cli.Flag{flgDuration, flgAllowDup},
		},
		{
			Name:    "connect",
			Aliases: []string{"c"},
			Usage:   "Connect to a peripheral, send stdin lines and print notifications",
			Before:  setup,
			Action:  cmdConnect,
			Flags:   []cli.Flag{flgID, flgReconnect},
		},
		{
			Name:   "init-config",
			Usage:  "Write the default config file if none exists",
			Action: cmdInitConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blecentral: %v\n", err)
		os.Exit(1)
	}
}

// setup loads and validates the config, then installs the logger.
func setup(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	curr.cfg = cfg
	printBanner(cfg)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

func cmdInitConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	chars := make([]string, 0, len(cfg.Characteristics))
	for _, ch := range cfg.Characteristics {
		chars = append(chars, fmt.Sprintf("%s [%s]", ch.UUID, strings.Join(ch.Capabilities, ",")))
	}

	fmt.Println("=== blecentral ===")
	fmt.Printf("  Service: %s\n", cfg.ServiceUUID)
	for _, ch := range chars {
		fmt.Printf("  Char:    %s\n", ch)
	}
	fmt.Printf("  Timeout: %s\n", cfg.Connect.Timeout)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
