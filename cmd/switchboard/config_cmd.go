package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/doctor"
	"github.com/mattjoyce/switchboard/internal/log"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(), newConfigLockCmd())
	return cmd
}

// errWarnings makes `config check --strict` exit non-zero without printing
// an extra error line.
var errWarnings = errors.New("configuration has warnings")

func newConfigCheckCmd() *cobra.Command {
	var strict, jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration against the registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(log.New(io.Discard, "error", "text"))
			if err != nil {
				return fmt.Errorf("plugin registration: %w", err)
			}

			result := doctor.New(cfg, registry).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid {
				return fmt.Errorf("configuration invalid (%d error(s))", len(result.Errors))
			}
			if strict && len(result.Warnings) > 0 {
				return errWarnings
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

func newConfigLockCmd() *cobra.Command {
	var dryRun, verbose bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums for the config file and its includes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				discovered, err := config.DiscoverConfigDir()
				if err != nil {
					return fmt.Errorf("failed to discover config: %w", err)
				}
				path = discovered
			}

			files, err := config.Files(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if verbose || dryRun {
				for _, f := range files {
					fmt.Fprintf(out, "  %s\n", f)
				}
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: %d file(s) would be locked\n", len(files))
				return nil
			}

			written, err := config.WriteChecksums(files)
			if err != nil {
				return err
			}
			for _, m := range written {
				fmt.Fprintf(out, "Wrote %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List files without writing checksums")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	return cmd
}
