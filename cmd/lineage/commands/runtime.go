// Package commands implements the lineage subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Sumatoshi-tech/lineage/pkg/cache"
	"github.com/Sumatoshi-tech/lineage/pkg/config"
	"github.com/Sumatoshi-tech/lineage/pkg/framework"
	"github.com/Sumatoshi-tech/lineage/pkg/gitlib"
	"github.com/Sumatoshi-tech/lineage/pkg/gogit"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/remote/memstore"
	"github.com/Sumatoshi-tech/lineage/pkg/remote/s3store"
	"github.com/Sumatoshi-tech/lineage/pkg/remote/sqlstore"
	"github.com/Sumatoshi-tech/lineage/pkg/syncer"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
	"github.com/Sumatoshi-tech/lineage/pkg/version"
)

const (
	sqliteDirPerm      = 0o750
	metricsReadTimeout = 5 * time.Second
)

// GlobalOptions are the persistent flags shared by every subcommand. Set
// flags override the loaded configuration.
type GlobalOptions struct {
	ConfigPath  string
	Backend     string
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
	Verbose     bool
	CPUProfile  string
	HeapProfile string
}

// Bind registers the persistent flags.
func (o *GlobalOptions) Bind(flags *pflag.FlagSet) {
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "config file (default: lineage.yaml in ., $HOME/.lineage, /etc/lineage)")
	flags.StringVar(&o.Backend, "backend", "", "git backend: libgit2 or gogit")
	flags.StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&o.LogJSON, "log-json", false, "emit JSON logs")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "verbose output (debug logs)")
	flags.StringVar(&o.CPUProfile, "cpuprofile", "", "write a CPU profile to this file")
	flags.StringVar(&o.HeapProfile, "memprofile", "", "write a heap profile to this file on exit")
}

// load reads the configuration and applies flag overrides.
func (o *GlobalOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}

	if o.Backend != "" {
		cfg.Repository.Backend = o.Backend
	}

	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}

	if o.Verbose {
		cfg.Logging.Level = "debug"
	}

	if o.LogJSON {
		cfg.Logging.JSON = true
	}

	if o.MetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = o.MetricsAddr
	}

	return cfg, cfg.Validate()
}

// app bundles what a command needs for one invocation.
type app struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	diffs     *cache.DiffCache
	metrics   *http.Server
	profiles  *framework.Profiles
}

func newApp(global *GlobalOptions, cfg *config.Config, stderr io.Writer) (*app, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.Mode = observability.ModeCLI
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.Prometheus = cfg.Telemetry.MetricsAddr != ""
	obsCfg.LogLevel = observability.ParseLevel(cfg.Logging.Level)
	obsCfg.LogJSON = cfg.Logging.JSON

	providers, err := observability.InitWithWriter(obsCfg, stderr)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	a := &app{
		cfg:       cfg,
		providers: providers,
		logger:    providers.Logger,
		diffs:     cache.NewDiffCache(cfg.Repository.DiffCacheEntries),
		profiles: &framework.Profiles{
			CPUPath:  global.CPUProfile,
			HeapPath: global.HeapProfile,
			Logger:   providers.Logger,
		},
	}

	profileErr := a.profiles.Start()
	if profileErr != nil {
		_ = providers.Shutdown(context.Background()) //nolint:errcheck // already failing.

		return nil, profileErr
	}

	if providers.MetricsHandler != nil {
		a.metrics = observability.NewMetricsServer(cfg.Telemetry.MetricsAddr, providers.MetricsHandler, providers.Tracer)
		a.metrics.ReadHeaderTimeout = metricsReadTimeout

		go func() {
			serveErr := a.metrics.ListenAndServe()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", "error", serveErr)
			}
		}()
	}

	return a, nil
}

func (a *app) close() {
	a.profiles.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), metricsReadTimeout)
	defer cancel()

	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx) //nolint:errcheck // best effort on exit.
	}

	shutdownErr := a.providers.Shutdown(ctx)
	if shutdownErr != nil {
		a.logger.Warn("telemetry shutdown", "error", shutdownErr)
	}
}

// opener returns the accessor constructor for the configured backend.
func (a *app) opener() syncer.OpenFunc {
	if a.cfg.Repository.Backend == config.BackendGoGit {
		return func(path string) (vcs.Accessor, error) {
			repo, err := gogit.Open(path, a.diffs)
			if err != nil {
				return nil, err
			}

			return repo, nil
		}
	}

	return func(path string) (vcs.Accessor, error) {
		return gitlib.Open(path, gitlib.WithDiffCache(a.diffs), gitlib.WithLogger(a.logger))
	}
}

// openStore opens the configured results store.
func (a *app) openStore(ctx context.Context) (remote.Store, error) {
	storeCfg := a.cfg.Store

	switch storeCfg.Backend {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreSQLite:
		if dir := parentDir(storeCfg.SQLitePath); dir != "" {
			mkErr := os.MkdirAll(dir, sqliteDirPerm)
			if mkErr != nil {
				return nil, fmt.Errorf("create store directory: %w", mkErr)
			}
		}

		store, err := sqlstore.Open(storeCfg.SQLitePath)
		if err != nil {
			return nil, err
		}

		return store, nil
	case config.StoreS3:
		codec, err := loadCodec(storeCfg)
		if err != nil {
			return nil, err
		}

		store, err := s3store.Open(ctx, s3store.Config{
			Bucket:          storeCfg.S3Bucket,
			Prefix:          storeCfg.S3Prefix,
			Region:          storeCfg.S3Region,
			Endpoint:        storeCfg.S3Endpoint,
			AccessKeyID:     storeCfg.AWSAccessKeyID,
			SecretAccessKey: storeCfg.AWSSecretAccessKey,
		}, codec)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStore, storeCfg.Backend)
	}
}

func loadCodec(storeCfg config.StoreConfig) (*remote.Codec, error) {
	var identity string

	if storeCfg.AgeIdentityFile != "" {
		raw, err := os.ReadFile(storeCfg.AgeIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read age identity: %w", err)
		}

		identity = string(raw)
	}

	return remote.ParseKeys(storeCfg.AgeRecipient, identity)
}

func parentDir(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return ""
	}

	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}

	return dir
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// pathsOrCwd defaults to the working directory.
func pathsOrCwd(args []string) []string {
	if len(args) == 0 {
		return []string{"."}
	}

	return args
}
