// Command scimd serves the registered SCIM resource types over HTTP,
// backed by the in-memory store. It is the reference host for the
// scimcore library.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcelom97/scimcore"
	"github.com/marcelom97/scimcore/config"
	"github.com/marcelom97/scimcore/memory"
	"github.com/marcelom97/scimcore/schemas"
	"github.com/marcelom97/scimcore/scim"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:          "scimd",
		Short:        "SCIM 2.0 provisioning server",
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the SCIM server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	serve.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store := memory.New()
	user := store.Bind(
		scimcore.UserResourceType().Extend(schemas.EnterpriseUser(), false),
	)
	group := store.Bind(scimcore.GroupResourceType())
	if err := scim.RegisterResourceType(user); err != nil {
		return err
	}
	if err := scim.RegisterResourceType(group); err != nil {
		return err
	}

	service := scimcore.New(cfg)
	service.SetLogger(logger)
	if err := service.Initialize(); err != nil {
		return err
	}
	return service.Start()
}
