package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dreammaker/internal/api"
	"github.com/aristath/dreammaker/internal/backend"
	"github.com/aristath/dreammaker/internal/config"
	"github.com/aristath/dreammaker/internal/events"
	"github.com/aristath/dreammaker/internal/logging"
	"github.com/aristath/dreammaker/internal/metrics"
	"github.com/aristath/dreammaker/internal/persistence"
	"github.com/aristath/dreammaker/internal/plans"
	"github.com/aristath/dreammaker/internal/quota"
	"github.com/aristath/dreammaker/internal/scheduler"
	"github.com/aristath/dreammaker/internal/translate"
	"github.com/aristath/dreammaker/internal/tui"
)

const (
	shutdownTimeout  = 10 * time.Second
	dashboardLog     = "dreammaker.log"
	dashboardHistory = 50
)

// errDashboardClosed ends the run when the user quits the dashboard.
var errDashboardClosed = errors.New("dashboard closed")

type options struct {
	configPath  string
	writeConfig string
	dashboard   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dreammaker", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a JSON config file merged over the defaults")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write the effective config to this path and exit")
	fs.BoolVar(&opts.dashboard, "dashboard", false, "show the terminal dashboard while serving")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadDefault(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if opts.writeConfig != "" {
		if err := writeConfig(cfg, opts.writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts.dashboard); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// writeConfig saves cfg without an API key taken from the environment.
func writeConfig(cfg *config.AppConfig, path string) error {
	out := *cfg
	if out.Backend.APIKey == os.Getenv(config.APIKeyEnv) {
		out.Backend.APIKey = ""
	}
	return config.Save(&out, path)
}

// run wires the service together and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, cfg *config.AppConfig, dashboard bool) error {
	if dashboard && cfg.Log.File == "" {
		cfg.Log.File = dashboardLog
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := plans.NewCatalog(cfg)
	if err != nil {
		return err
	}
	rules, err := quota.RulesFromConfig(cfg)
	if err != nil {
		return err
	}
	governor := quota.New(store, catalog, rules)

	// Create ProcessManager for subprocess tracking
	pm := backend.NewProcessManager()
	generatorCfg, breakerCfg := backendConfig(cfg.Backend)
	generator, err := backend.New(generatorCfg, pm)
	if err != nil {
		return err
	}
	output, err := backend.NewFileOutput(cfg.Backend.OutputDir)
	if err != nil {
		return err
	}

	var translator scheduler.Translator = translate.Noop{}
	if cfg.Translator.Enabled {
		translator = translate.NewGoogle(translate.Config{
			BaseURL: cfg.Translator.BaseURL,
			Target:  cfg.Translator.Target,
			Timeout: cfg.Translator.Timeout.Std(),
		})
	}

	bus := events.NewEventBus()
	defer bus.Close()

	breaker := backend.NewBreaker(generator, breakerCfg)
	if err := metrics.RegisterRuntime(prometheus.DefaultRegisterer, metrics.Runtime{
		BreakerState:       breaker.State,
		DroppedEvents:      bus.Dropped,
		GeneratorProcesses: pm.Count,
	}); err != nil {
		log.WithError(err).Warn("failed to register runtime metrics")
	}

	sched, err := scheduler.New(scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval.Std(),
		RestartDelay: cfg.Scheduler.RestartDelay.Std(),
		Quota:        rules,
	}, scheduler.Deps{
		Store:      store,
		Governor:   governor,
		Generator:  breaker,
		Translator: translator,
		Writer:     output,
		Bus:        bus,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Queue:    sched,
		Accounts: governor,
		Store:    store,
		Catalog:  catalog,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(log.Fields{"addr": cfg.Server.Addr, "backend": generator.Name()}).Info("http server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if dashboard {
		g.Go(func() error {
			model := tui.New(bus)
			history, err := store.ListRecentTasks(gctx, dashboardHistory)
			if err != nil {
				log.WithError(err).Warn("failed to load task history for dashboard")
			}
			p := tea.NewProgram(model.WithHistory(history), tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return errDashboardClosed
		})
	}

	err = g.Wait()
	log.Info("shutting down")

	sched.Stop()
	if killErr := pm.KillAll(); killErr != nil {
		log.WithError(killErr).Warn("failed to kill generator processes")
	}

	if errors.Is(err, errDashboardClosed) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}

// backendConfig maps the file configuration onto the backend package's types.
func backendConfig(c config.BackendConfig) (backend.Config, backend.BreakerConfig) {
	gen := backend.Config{
		Type:         c.Type,
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		Model:        c.Model,
		MaxDimension: c.MaxDimension,
		Timeout:      c.Timeout.Std(),
		Command:      c.Command,
		Args:         append([]string(nil), c.Args...),
		WorkDir:      c.OutputDir,
	}
	breaker := backend.BreakerConfig{
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		OpenTimeout:         c.Breaker.OpenTimeout.Std(),
	}
	return gen, breaker
}
