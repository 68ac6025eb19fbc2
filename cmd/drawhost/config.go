package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"drawhost/internal/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}
	cmd.AddCommand(newConfigCheckCmd(root), newConfigInitCmd(root), newConfigShowCmd(root))
	return cmd
}

func newConfigCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print every issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigCheck(cmd.OutOrStdout(), root.path())
		},
	}
}

func runConfigCheck(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, v := range verrs {
			fmt.Fprintf(w, "error   %s: %s\n", v.Field, v.Message)
		}
		return fmt.Errorf("%s: %d error(s)", path, len(verrs))
	}
	warnings := config.ValidateConfig(cfg).Warnings()
	for _, v := range warnings {
		fmt.Fprintf(w, "warning %s: %s\n", v.Field, v.Message)
	}
	fmt.Fprintf(w, "%s: ok (%d warning(s))\n", path, len(warnings))
	return nil
}

func newConfigInitCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd.OutOrStdout(), root.path(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file with the defaults")
	return cmd
}

func runConfigInit(w io.Writer, path string, force bool) error {
	if force {
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", path)
		return nil
	}
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "%s already exists\n", path)
	}
	return nil
}

func newConfigShowCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults and DRAWHOST_* overrides are applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd.OutOrStdout(), root.path(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "output format (toml, yaml, json)")
	return cmd
}

func runConfigShow(w io.Writer, path, format string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	switch format {
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

