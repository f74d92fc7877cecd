package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/berrythewa/meshplay/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the config command
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage meshplay configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

// activeConfigPath is the --config flag or the platform default
func activeConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	paths, err := config.GetConfigPaths()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	return paths.ConfigFile, nil
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := activeConfigPath()
			if err != nil {
				return err
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("configuration already exists at %s, use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", path, err)
			}

			c := config.DefaultConfig()
			if err := c.Save(path); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration written to %s\n", path)
			fmt.Fprintf(out, "Track library: %s\n", c.Storage.DBPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:         "show",
		Short:       "Show the effective configuration",
		Long:        "Show the configuration after defaults and MESHPLAY_* environment overrides are applied.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := activeConfigPath()
			if err != nil {
				return err
			}
			c, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(c)
			default:
				return fmt.Errorf("unknown format %q, use yaml or json", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "yaml", "output format (yaml or json)")
	return cmd
}
