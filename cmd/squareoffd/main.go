// Command squareoffd runs the intraday square-off scheduler and order
// confirmation monitor, with an admin API, metrics and housekeeping.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"github.com/xhit/go-str2duration/v2"

	"trading-squareoff/config"
	"trading-squareoff/internal/api"
	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/broker/angel"
	"trading-squareoff/internal/broker/paper"
	"trading-squareoff/internal/circuit"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/confirm"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/execution"
	"trading-squareoff/internal/logger"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
	"trading-squareoff/internal/scheduler"
	"trading-squareoff/internal/status"
	"trading-squareoff/internal/store/redis"
	"trading-squareoff/internal/store/sqlite"
)

func main() {
	app := &cli.App{
		Name:  "squareoffd",
		Usage: "restart-safe intraday square-off scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file loaded before the environment is read"},
		},
		Before: func(c *cli.Context) error {
			return config.LoadDotEnv(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the scheduler, monitor and admin API",
				Action: serve,
			},
			{
				Name:  "purge",
				Usage: "delete terminal records older than the retention window",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "retention", Usage: "e.g. 30d, 72h (default RETENTION)"},
				},
				Action: purge,
			},
			{
				Name:  "status",
				Usage: "print today's exits and orders needing review from the store",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "position", Usage: "show the exit outlook for one position"},
				},
				Action: showStatus,
			},
			{
				Name:  "events",
				Usage: "print the most recent lifecycle events from the Redis stream",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "count", Value: 20},
				},
				Action: recentEvents,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "squareoffd:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init("squareoffd", logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath})
}

func serve(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()

	// ---- Durable store ----
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Events: in-process bus, optional Redis stream ----
	bus := events.NewBus()
	bus.OnDrop = prom.EventDropped
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		cb := circuit.New("redis", 5, 10*time.Second)
		cb.OnStateChange = func(name string, _, to circuit.State) { prom.BreakerState(name, int(to)) }
		pub, err := redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Stream: cfg.EventsStream}, cb)
		if err != nil {
			slog.Warn("redis unavailable, continuing without event stream", "error", err)
		} else {
			defer pub.Close()
			pub.OnPublish = prom.EventPublished
			pub.OnBuffer = prom.EventBuffered
			pub.OnFlush = func(n int) { slog.Info("redis event buffer flushed", "events", n) }
			ch, unsubscribe := bus.Subscribe("redis", 1024)
			defer unsubscribe()
			go pub.Run(ctx, ch)
			rdb = pub.Client()
		}
	}
	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// ---- Broker, alerts ----
	client, err := newBroker(ctx, cfg, prom, health)
	if err != nil {
		return err
	}
	accounts := broker.Static{C: client}
	notifier := newNotifier(cfg)
	clk := clock.Real{}

	// ---- Confirmation monitor, placement path, scheduler ----
	mon := confirm.NewMonitor(confirm.Config{
		InitialInterval: cfg.ConfirmInitialInterval,
		MaxInterval:     cfg.ConfirmMaxInterval,
		Multiplier:      cfg.ConfirmBackoffMultiplier,
		MaxAttempts:     cfg.ConfirmMaxAttempts,
		Timeout:         cfg.ConfirmTimeout,
		PartialGrace:    cfg.ConfirmPartialGrace,
		NotFoundGrace:   cfg.ConfirmNotFoundGrace,
	}, store, accounts, clk)
	mon.Notifier, mon.Events, mon.Metrics = notifier, bus, prom

	placer := execution.NewPlacer(accounts, store, clk)
	placer.Tracker, placer.Events, placer.Metrics = mon, bus, prom

	sched := scheduler.New(scheduler.Config{
		DefaultExitTime: cfg.DefaultExitTime,
		MaxAttempts:     cfg.MaxExitAttempts,
		RetryDelay:      cfg.ExitRetryDelay,
		Version:         cfg.SchedulerVersion,
	}, store, execution.NewSquareoff(accounts, placer), clk)
	sched.Notifier, sched.Events, sched.Metrics = notifier, bus, prom

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start confirmation monitor: %w", err)
	}
	health.SetMonitorRunning(true)
	sum, err := sched.Initialize(ctx)
	if err != nil {
		mon.Stop()
		return fmt.Errorf("scheduler recovery: %w", err)
	}
	health.SetSchedulerInitialized(true)
	slog.Info("restart recovery complete", "rearmed", sum.Rearmed, "executed", sum.Executed,
		"adopted", sum.Adopted, "expired", sum.Expired, "process_id", sched.ProcessID())

	// ---- Admin API ----
	svc := status.New(store, store, sched, mon, clk)
	svc.Health = health
	stream := api.NewStream(1000)
	wsCh, unsubscribeWS := bus.Subscribe("ws", 1024)
	go stream.Run(ctx, wsCh)

	handlers := api.NewHandlers(svc)
	handlers.DefaultRetention = cfg.Retention
	gin.SetMode(gin.ReleaseMode)
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           api.NewRouter(handlers, stream),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("admin api listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin api error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	adminSrv.Shutdown(shutdownCtx)
	unsubscribeWS()
	stream.Close()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Warn("scheduler shutdown incomplete", "error", err)
	}
	health.SetSchedulerInitialized(false)
	mon.Stop()
	health.SetMonitorRunning(false)
	bus.Close()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
	return nil
}

func newBroker(ctx context.Context, cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus) (broker.Client, error) {
	switch cfg.Broker {
	case "angel":
		ac := angel.New(angel.Config{
			APIKey:     cfg.AngelAPIKey,
			ClientCode: cfg.AngelClientCode,
			PIN:        cfg.AngelPassword,
			TOTPSecret: cfg.AngelTOTPSecret,
			Timeout:    cfg.BrokerTimeout,
		})
		if err := ac.Login(ctx); err != nil {
			// Sessions are re-established lazily; the first exit retries.
			slog.Warn("angel login failed at startup", "error", err)
		}
		cb := circuit.New("broker", 5, 30*time.Second)
		cb.OnStateChange = func(name string, _, to circuit.State) {
			prom.BreakerState(name, int(to))
			health.SetBrokerBreaker(to.String())
		}
		return broker.NewGuarded(ac, cb), nil
	case "paper":
		slog.Warn("using paper broker, no orders reach the exchange")
		return paper.New(5), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func newNotifier(cfg *config.Config) notification.Notifier {
	notifiers := notification.Multi{notification.NewLogNotifier()}
	telegram, webhook := cfg.AlertsEnabled()
	if telegram {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if webhook {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	return notifiers
}

func purge(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	retention := cfg.Retention
	if s := c.String("retention"); s != "" {
		if retention, err = str2duration.ParseDuration(s); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := status.Purge(c.Context, store, store, time.Now(), retention)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func showStatus(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Store-only answers; no scheduler or monitor is needed.
	svc := status.New(store, store, nil, nil, clock.Real{})
	ctx := c.Context
	if pos := c.String("position"); pos != "" {
		out, err := svc.ExitOutlook(ctx, pos)
		if err != nil {
			return err
		}
		return printJSON(out)
	}

	today := markethours.TradingDate(time.Now())
	exits, err := svc.ListExits(ctx, model.ExitFilter{Date: today, Limit: 500})
	if err != nil {
		return err
	}
	review := true
	flagged, err := svc.ListOrders(ctx, model.OrderFilter{NeedsManualReview: &review, Limit: 500})
	if err != nil {
		return err
	}
	return printJSON(struct {
		Date        string                           `json:"date"`
		Exits       status.Page[model.ScheduledExit] `json:"exits"`
		NeedsReview status.Page[model.OrderState]    `json:"needs_review"`
	}{today.Format("2006-01-02"), exits, flagged})
}

func recentEvents(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is not set")
	}
	pub, err := redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Stream: cfg.EventsStream},
		circuit.New("redis", 1, time.Second))
	if err != nil {
		return err
	}
	defer pub.Close()

	evs, err := pub.Recent(c.Context, c.Int64("count"))
	if err != nil {
		return err
	}
	return printJSON(evs)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
