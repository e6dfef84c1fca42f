package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/schema"
	"github.com/roach88/tangle/internal/storage"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// logger writes runtime logs to stderr: debug and up with --verbose,
// warnings and up otherwise.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) registry() (*schema.Registry, error) {
	if o.Schema == "" {
		return nil, NewExitError(ExitCommandError, "--schema is required")
	}
	return schema.LoadFile(o.Schema)
}

// storageConfig reads --config, then applies --dialect and --dsn on top.
func (o *RootOptions) storageConfig() (storage.Config, error) {
	var cfg storage.Config
	if o.Config != "" {
		var err error
		if cfg, err = storage.LoadConfig(o.Config); err != nil {
			return storage.Config{}, err
		}
	}
	if o.Dialect != "" {
		cfg.Dialect = o.Dialect
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	if cfg.DSN == "" {
		return storage.Config{}, NewExitError(ExitCommandError, "no database: pass --dsn or a --config with a dsn")
	}
	return cfg, nil
}

func (o *RootOptions) dialect() (backend.Dialect, error) {
	name := o.Dialect
	if name == "" && o.Config != "" {
		cfg, err := storage.LoadConfig(o.Config)
		if err != nil {
			return backend.Dialect{}, err
		}
		name = cfg.Dialect
	}
	d, err := backend.LookupDialect(name)
	if err != nil {
		return backend.Dialect{}, NewExitError(ExitCommandError, err.Error())
	}
	return d, nil
}

// connect loads the schema and opens a session. deploy forces table
// creation regardless of the config file.
func (o *RootOptions) connect(ctx context.Context, cmd *cobra.Command, deploy bool) (*storage.Storage, error) {
	reg, err := o.registry()
	if err != nil {
		return nil, err
	}
	cfg, err := o.storageConfig()
	if err != nil {
		return nil, err
	}
	cfg.Deploy = cfg.Deploy || deploy
	return storage.Connect(ctx, reg, cfg, storage.WithLogger(o.logger(cmd)))
}
