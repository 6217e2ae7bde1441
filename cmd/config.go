package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/chatwire/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage Chatwire configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "chatwire.toml",
					},
				},
				Action: func(c *cli.Context) error {
					outputPath := c.String("output")
					if err := config.InitConfig(outputPath); err != nil {
						return fmt.Errorf("failed to initialize config: %w", err)
					}
					fmt.Printf("Created configuration file at %s\n", outputPath)
					fmt.Println("Set database.url (or DATABASE_URL) before running serve.")
					return nil
				},
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration and show the effective settings",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  server:     port %d\n", cfg.Server.Port)
	fmt.Printf("  redis:      %s (db %d)\n", cfg.Redis.Addr, cfg.Redis.DB)
	fmt.Printf("  history:    page size %d, cached page %d, ttl %s\n",
		cfg.Chat.PageSize, cfg.Chat.CachePageSize, cfg.Chat.CacheTTL)
	fmt.Printf("  receipts:   flushed every %s\n", cfg.Chat.FlushInterval)
	fmt.Printf("  queue:      %d workers, %d attempts per job\n",
		cfg.Queue.MaxWorkers, cfg.Queue.MaxRetries)
	fmt.Printf("  submission: %d messages per %s",
		cfg.RateLimit.MessagePoints, cfg.RateLimit.MessageWindow)
	if cfg.RateLimit.FailOpen {
		fmt.Print(" (fail-open)")
	}
	fmt.Println()
	return nil
}
