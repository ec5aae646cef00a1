// Command pgfrontend runs the PostgreSQL wire-protocol frontend: it loads
// configuration, selects a backend, registers the reference extensions, and
// serves connections until interrupted. Structured the way the retrieval
// pack's riftdata/rift CLI lays out its root command plus a long-running
// serve subcommand.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	"github.com/ha1tch/pgfrontend/pkg/backend/pgxbackend"
	"github.com/ha1tch/pgfrontend/pkg/backend/pqbackend"
	"github.com/ha1tch/pgfrontend/pkg/backend/sqlitebackend"
	"github.com/ha1tch/pgfrontend/pkg/config"
	"github.com/ha1tch/pgfrontend/pkg/extension"
	"github.com/ha1tch/pgfrontend/pkg/frontend"
	"github.com/ha1tch/pgfrontend/pkg/log"
	"github.com/ha1tch/pgfrontend/pkg/metrics"
	"github.com/ha1tch/pgfrontend/pkg/rewriter"
	"github.com/ha1tch/pgfrontend/pkg/server"
	"github.com/ha1tch/pgfrontend/pkg/session"
	"github.com/ha1tch/pgfrontend/pkg/version"
)

var cfgFile string

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:           "pgfrontend",
	Short:         "A programmable PostgreSQL wire-protocol frontend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept client connections and serve queries through the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pgfrontend.yaml)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on, empty to disable")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logCfg := log.DefaultConfig()
	logCfg.DefaultLevel = level
	if cfg.Log.Format == "json" {
		logCfg.Format = log.FormatJSON
	}
	logger := log.New(logCfg)

	backendConn, err := newBackend(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("constructing backend: %w", err)
	}

	dialect := rewriter.DialectPostgres
	if cfg.Backend.Kind == "sqlite" {
		dialect = rewriter.DialectSQLite
	}
	newRw := func() session.Rewriter {
		rw := rewriter.New(dialect)
		rw.SetLogger(logger.Rewrite())
		return rw
	}

	extensions := extension.NewRegistry()
	extensions.Register("ping", extension.Ping)
	extensions.Register("bulk_load", extension.BulkLoad)

	serverCfg := server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		AllowRemote: cfg.Server.AllowRemote,
		TLSCertFile: cfg.Server.TLSCertFile,
		TLSKeyFile:  cfg.Server.TLSKeyFile,
		Extensions:  extensions,
	}

	var watcher *config.PasswordWatcher
	if cfg.Auth.Mode == "md5" {
		auth, err := config.NewPasswordAuth(cfg.Auth.PasswordFile)
		if err != nil {
			return fmt.Errorf("loading password file: %w", err)
		}
		watcher, err = config.NewPasswordWatcher(cfg.Auth.PasswordFile, auth, logger.System())
		if err != nil {
			return fmt.Errorf("watching password file: %w", err)
		}
		watcher.Start()
		serverCfg.Auth = passwordAuthAdapter{auth}
	}

	srv, err := server.New(serverCfg, backendConn, newRw, logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	metrics.Init()
	var metricsServer *http.Server
	if metricsAddr != "" {
		metricsServer = &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.System().Error("metrics server failed", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve() }()

	logger.System().Info("pgfrontend listening", "addr", srv.Addr().String())

	select {
	case <-sigCh:
		logger.System().Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			logger.System().Error("listener stopped", err)
		}
	}

	if watcher != nil {
		watcher.Stop()
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	return srv.Close()
}

func newBackend(ctx context.Context, cfg config.BackendConfig) (backend.Connection, error) {
	switch cfg.Kind {
	case "sqlite":
		return sqlitebackend.New(sqlitebackend.Config{Path: cfg.DSN})
	case "pgx":
		return pgxbackend.New(ctx, pgxbackend.Config{DSN: cfg.DSN})
	case "pq":
		return pqbackend.New(pqbackend.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// passwordAuthAdapter adapts config.PasswordAuth to frontend.Authenticator
// without pkg/config importing pkg/frontend.
type passwordAuthAdapter struct {
	auth *config.PasswordAuth
}

func (a passwordAuthAdapter) RequirePassword(user string) (string, bool) {
	return a.auth.RequirePassword(user)
}

var _ frontend.Authenticator = passwordAuthAdapter{}
