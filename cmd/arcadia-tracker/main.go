package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arcadia/arcadia-tracker/internal/config"
	"github.com/arcadia/arcadia-tracker/internal/logging"
	"github.com/arcadia/arcadia-tracker/internal/postgres"
	"github.com/arcadia/arcadia-tracker/internal/server"
)

var version = "dev"

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":       "listen",
	"api-key":      "api_key",
	"database-url": "database.url",
	"clientlist":   "clientlist.path",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"trust-proxy":  "http.trust_proxy",
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "arcadia-tracker",
		Short:         "Private BitTorrent tracker for Arcadia",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := setupSignalHandling()
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	addFlags(cmd.Flags())
	if err := bindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func addFlags(flags *pflag.FlagSet) {
	flags.StringP("listen", "l", config.Default().Listen, "address to listen on [env ARCADIA_TRACKER_LISTEN]")
	flags.String("api-key", "", "shared secret for the backend API [env ARCADIA_TRACKER_API_KEY]")
	flags.String("database-url", "", "PostgreSQL URL for warm start and stats flush [env ARCADIA_TRACKER_DATABASE_URL]")
	flags.StringP("clientlist", "w", "", "path to the peer-id prefix allowlist [env ARCADIA_TRACKER_CLIENTLIST_PATH]")
	flags.String("log-level", "info", "debug, info, warn or error [env ARCADIA_TRACKER_LOG_LEVEL]")
	flags.String("log-format", "text", "text or json [env ARCADIA_TRACKER_LOG_FORMAT]")
	flags.String("log-file", "", "also write logs to this rotated file [env ARCADIA_TRACKER_LOG_FILE]")
	flags.Bool("trust-proxy", false, "take the client address from X-Forwarded-For [env ARCADIA_TRACKER_HTTP_TRUST_PROXY]")
}

// bindFlags makes explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	//nolint:errcheck // best effort on exit
	defer closer.Close()

	go rotateOnHangup(ctx, closer, logger)

	logger.Info("starting arcadia-tracker", "version", version, "listen", cfg.Listen)

	var opts []server.Option
	var db *postgres.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, server.WithSink(db))
	} else {
		logger.Warn("no database configured, state starts empty and stats are only logged")
	}

	srv := server.New(cfg, logger, opts...)

	if db != nil {
		stats, err := db.WarmStart(ctx, srv.Ingest())
		if err != nil {
			return fmt.Errorf("warm start: %w", err)
		}
		logger.Info("warm start complete",
			"torrents", stats.Torrents, "users", stats.Users, "peers", stats.Peers, "skipped", stats.Skipped)
	}

	return srv.Run(ctx)
}

// rotateOnHangup reopens the log file on SIGHUP, for external logrotate setups.
func rotateOnHangup(ctx context.Context, closer io.Closer, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logging.Rotate(closer); err != nil {
				logger.Warn("log rotation skipped", "error", err)
			}
		}
	}
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
