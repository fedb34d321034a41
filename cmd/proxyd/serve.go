package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getproxyd/proxyd/pkg/admin"
	"github.com/getproxyd/proxyd/pkg/allocator"
	"github.com/getproxyd/proxyd/pkg/config"
	"github.com/getproxyd/proxyd/pkg/engine"
	"github.com/getproxyd/proxyd/pkg/forward"
	"github.com/getproxyd/proxyd/pkg/logging"
	"github.com/getproxyd/proxyd/pkg/mapping"
	"github.com/getproxyd/proxyd/pkg/metrics"
	"github.com/getproxyd/proxyd/pkg/relay"
)

// serveFlags holds all flags for the serve command.
type serveFlags struct {
	configPath string
	adminPort  int
	rangeStart int
	rangeEnd   int
	dataDir    string
	logLevel   string
	logFormat  string
}

var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mapping engine and admin API",
	Long: `Run the mapping engine: the admin API binds its fixed port, persisted
mappings are restored, and the forwarding synchronizer starts converging
rules. Runs in the foreground until SIGTERM/SIGINT.`,
	Example: `  # Defaults: admin on :7070, listener range 49153-49400
  proxyd serve

  # With a config file
  proxyd serve --config proxyd.yaml

  # Narrow listener range, JSON logs
  proxyd serve --range-start 9100 --range-end 9110 --log-format json`,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals
	serveCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to config file (YAML or JSON)")
	serveCmd.Flags().IntVar(&f.adminPort, "admin-port", 0, "Admin API port (overrides config)")
	serveCmd.Flags().IntVar(&f.rangeStart, "range-start", 0, "First allocatable listener port (overrides config)")
	serveCmd.Flags().IntVar(&f.rangeEnd, "range-end", 0, "Last allocatable listener port (overrides config)")
	serveCmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Directory for mapping persistence (overrides config)")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(&serveFlagVals)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	store := mapping.NewStore(
		mapping.WithPersistence(cfg.MappingsFile()),
		mapping.WithRetention(cfg.Retention()),
		mapping.WithLogger(log),
	)

	alloc, err := allocator.New(cfg.Listeners.RangeStart, cfg.Listeners.RangeEnd,
		&allocator.NetBindProber{Host: cfg.Listeners.BindHost})
	if err != nil {
		return err
	}

	pool := relay.NewPool(relay.Config{
		BindHost:     cfg.Listeners.BindHost,
		MaxConns:     cfg.Listeners.MaxConns,
		DialTimeout:  seconds(cfg.Listeners.DialTimeoutSeconds),
		IdleTimeout:  seconds(cfg.Listeners.IdleTimeoutSeconds),
		DrainTimeout: seconds(cfg.Listeners.DrainTimeoutSeconds),
	}, relay.WithPoolLogger(log))

	fw, err := buildForwarder(cfg)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	eng, err := engine.New(engine.Config{
		Store:     store,
		Allocator: alloc,
		Pool:      pool,
		Forwarder: fw,
		Sync: forward.SyncConfig{
			Interval:    seconds(cfg.Forwarding.IntervalSeconds),
			CallTimeout: seconds(cfg.Forwarding.CallTimeoutSeconds),
			MaxFailures: cfg.Forwarding.MaxFailures,
		},
		Logger:  log,
		Metrics: reg,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	api := admin.New(eng, cfg.Admin.Port,
		admin.WithHost(cfg.Admin.Host),
		admin.WithLogger(log),
		admin.WithMetrics(reg),
		admin.WithRateLimit(cfg.Admin.RateLimit, cfg.Admin.RateBurst),
	)
	if err := api.Start(); err != nil {
		return err
	}
	defer func() { _ = api.Stop() }()

	// Announce the reachable ports so operators know where to connect.
	fmt.Printf("Admin API:       http://localhost:%d\n", cfg.Admin.Port)
	fmt.Printf("Listener range:  %d-%d\n", cfg.Listeners.RangeStart, cfg.Listeners.RangeEnd)
	log.Info("proxyd ready",
		"adminPort", cfg.Admin.Port,
		"rangeStart", cfg.Listeners.RangeStart,
		"rangeEnd", cfg.Listeners.RangeEnd,
		"mechanism", cfg.Forwarding.Mechanism,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
	return nil
}

// loadServeConfig loads the config file (or defaults) and applies flag
// overrides.
func loadServeConfig(f *serveFlags) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if f.adminPort > 0 {
		cfg.Admin.Port = f.adminPort
	}
	if f.rangeStart > 0 {
		cfg.Listeners.RangeStart = f.rangeStart
	}
	if f.rangeEnd > 0 {
		cfg.Listeners.RangeEnd = f.rangeEnd
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildForwarder(cfg *config.Config) (forward.Forwarder, error) {
	switch cfg.Forwarding.Mechanism {
	case "exec":
		return forward.NewExecForwarder(
			cfg.Forwarding.ApplyCommand,
			cfg.Forwarding.RemoveCommand,
			cfg.Forwarding.ListCommand,
		)
	default:
		return forward.NewMemoryForwarder(), nil
	}
}

func seconds(n int) (d time.Duration) {
	if n > 0 {
		d = time.Duration(n) * time.Second
	}
	return d
}
