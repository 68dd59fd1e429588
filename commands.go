package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/codefionn/umleitung/umleitung-srv/store"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

func newCACmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the root CA used for TLS interception",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate the root CA files",
		Long: `Generates the root CA certificate and key at the configured paths.
Existing files are kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			_, statErr := os.Stat(cfg.CA.CertFile)
			existed := statErr == nil
			if existed && !force {
				return fmt.Errorf("root CA %s already exists (use --force to replace it)", cfg.CA.CertFile)
			}

			m, err := ca.LoadOrCreate(cfg.CA)
			if err != nil {
				return err
			}
			if existed {
				if err := m.Rotate(); err != nil {
					return err
				}
			}
			cert := m.Certificate()
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote root CA %q to %s (key %s), valid until %s\n",
				cert.Subject.CommonName, cfg.CA.CertFile, cfg.CA.KeyFile, cert.NotAfter.Format("2006-01-02"))
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "Replace an existing root CA")

	cmd.AddCommand(generate)
	return cmd
}

func newRulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Export or import the rule store",
	}

	var exportFile string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write all rules as a bundle",
		Example: `  umleitung rules export --file rules.json
  umleitung rules export > rules.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				data, err := json.MarshalIndent(st.Export(), "", "  ")
				if err != nil {
					return err
				}
				data = append(data, '\n')
				if exportFile == "" || exportFile == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := atomic.WriteFile(exportFile, bytes.NewReader(data)); err != nil {
					return fmt.Errorf("failed to write %s: %w", exportFile, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d rules to %s\n", st.Snapshot().Len(), exportFile)
				return nil
			})
		},
	}
	export.Flags().StringVar(&exportFile, "file", "", "Output file (stdout when empty or -)")

	var importFile string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Add the rules of a bundle with fresh ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, importFile)
			if err != nil {
				return err
			}
			bundle, err := rules.DecodeBundle(data)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				imported, err := st.Import(cmd.Context(), bundle)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d rules\n", len(imported))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&importFile, "file", "", "Input file (stdin when empty or -)")

	cmd.AddCommand(export, imp)
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// withStore opens the configured rule store for one offline operation.
func withStore(ctx context.Context, opts *rootOptions, fn func(st *store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Storage.Type == config.StorageTypeMemory {
		return errors.New("rule storage is in-memory; configure a file, sqlite or postgres store")
	}
	persister, err := store.NewPersister(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	st, err := store.New(ctx, persister)
	if err != nil {
		_ = persister.Close()
		return err
	}
	defer st.Close()
	return fn(st)
}
