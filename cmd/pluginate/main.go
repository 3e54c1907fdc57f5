// Command pluginate runs a plugin without its host: it performs the
// handshake, answers the plugin's calls from a stub service and canned
// responses, and sends one command.
//
//	pluginate [flags] <plugin> [method [params...]]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"plugin-rpc/config"
	"plugin-rpc/harness"
	"plugin-rpc/middleware"
	"plugin-rpc/registry"
)

var (
	configPath     = flag.String("config", "", "YAML config file (default ./"+config.DefaultPath+" if present)")
	deprecatedAPIs = flag.Bool("deprecated-apis", false, "tell the plugin deprecated APIs are enabled")
	cannedDir      = flag.String("canned-dir", "", "directory of canned responses, one file per method")
	network        = flag.String("network", "", "network reported to the plugin")
	metricsAddr    = flag.String("metrics", "", "serve Prometheus metrics on this address")
	etcd           = flag.String("etcd", "", "comma separated etcd endpoints to publish the plugin's methods to")
	once           = flag.Bool("once", false, "exit after the command's response")
	verbose        = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <plugin> [method [params...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pluginate: %v\n", err)
		os.Exit(1)
	}
}

func run(pluginPath string, command []string) error {
	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg)

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(promReg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger.Named("service")),
		middleware.MetricsMiddleware(metrics),
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	svc := harness.NewPayService(os.Stdout,
		harness.WithCannedDir(cfg.CannedDir),
		harness.WithServiceLogger(logger.Named("service")),
		harness.WithServiceMiddleware(mws...))

	opts := []harness.Option{harness.WithLogger(logger)}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger.Named("etcd"))
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, harness.WithRegistry(reg))
	}
	if *once {
		opts = append(opts, harness.WithOneShot())
	}

	err = harness.New(cfg, svc, opts...).Run(ctx, []string{pluginPath}, command)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "deprecated-apis":
			cfg.DeprecatedAPIs = *deprecatedAPIs
		case "canned-dir":
			cfg.CannedDir = *cannedDir
		case "network":
			cfg.Network = *network
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "etcd":
			cfg.EtcdEndpoints = strings.Split(*etcd, ",")
		case "v":
			if *verbose {
				cfg.LogLevel = "debug"
			}
		}
	})
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
