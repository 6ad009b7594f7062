// Package cli implements the sessionctl commands.
package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/authapi"
	"github.com/hongminglow/edu-session/internal/config"
	"github.com/hongminglow/edu-session/internal/logging"
	"github.com/hongminglow/edu-session/internal/metrics"
	"github.com/hongminglow/edu-session/internal/session"
	"github.com/hongminglow/edu-session/internal/storage"
	"github.com/hongminglow/edu-session/internal/storage/file"
	"github.com/hongminglow/edu-session/internal/storage/memory"
	"github.com/hongminglow/edu-session/internal/storage/postgres"
	"github.com/hongminglow/edu-session/internal/storage/redis"
)

type app struct {
	cfgFile string
	verbose bool

	cfg     config.Config
	logger  *zap.Logger
	manager *session.Manager
	closers []func()
}

// newRoot builds the command tree and the state its commands share.
func newRoot() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Manage an education platform login session from the terminal",
		Long: `sessionctl signs in to the education platform API and keeps the
resulting session in a local store so later commands reuse it.

Example usage:
  sessionctl login --email student@test.com --password testpass123
  sessionctl whoami
  sessionctl me
  sessionctl logout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is .sessionctl.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.newLoginCmd(),
		a.newRegisterCmd(),
		a.newLogoutCmd(),
		a.newWhoamiCmd(),
		a.newRefreshCmd(),
		a.newVerifyCmd(),
		a.newMeCmd(),
	)
	return root, a
}

// Execute runs sessionctl with os.Args.
func Execute(ctx context.Context) error {
	root, a := newRoot()
	return a.run(ctx, root)
}

// run executes root and then releases whatever init acquired. Cobra skips
// post-run hooks when a command fails, so this cannot be one.
func (a *app) run(ctx context.Context, root *cobra.Command) error {
	defer a.close()
	return root.ExecuteContext(ctx)
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	if a.logger, err = logging.New(level, cfg.LogFormat); err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.logger.Sync() })

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	client := authapi.New(cfg.APIBaseURL,
		authapi.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		authapi.WithLogger(a.logger),
	)
	opts := []session.Option{session.WithLogger(a.logger)}
	if cfg.MetricsFile != "" {
		opts = append(opts, session.WithMetrics(a.textfileMetrics(cfg.MetricsFile)))
	}
	a.manager = session.New(ctx, client, store, opts...)

	a.logger.Debug("configuration loaded",
		zap.String("api_base_url", cfg.APIBaseURL),
		zap.String("session_store", cfg.Store),
		zap.String("namespace", cfg.Namespace),
	)
	return nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Store {
	case config.StoreMemory:
		return memory.New(nil), nil
	case config.StorePostgres:
		s, err := postgres.NewSessionStore(ctx, a.cfg.DatabaseURL, a.cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.StoreRedis:
		s, err := redis.NewSessionStore(ctx, a.cfg.RedisURL, a.cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	default:
		return file.New(a.cfg.SessionFile, file.WithLogger(a.logger)), nil
	}
}

// textfileMetrics registers the session counters on a private registry and
// writes them to path when the command finishes. The file holds the counts of
// the last command only.
func (a *app) textfileMetrics(path string) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	a.closers = append(a.closers, func() {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			a.logger.Warn("write metrics file failed", zap.String("path", path), zap.Error(err))
		}
	})
	return mt
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
