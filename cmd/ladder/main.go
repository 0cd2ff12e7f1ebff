// Command ladder runs the DCA ladder daemon: it evaluates bots on a fixed interval,
// drains the durable order queue against the exchanges and serves the admin API.
//
// Usage:
//
//	ladder --config config.yaml
//
// Exchange keys are read from the environment variables named in the config
// (a .env file in the working directory is loaded first), e.g.
//
//	BINANCE_API_KEY, BINANCE_API_SECRET
//	BYBIT_API_KEY, BYBIT_API_SECRET
//	HYPERLIQUID_API_SECRET
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ladder/config"
	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/logger"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/evaluator"
	"github.com/vadiminshakov/ladder/internal/services/gateway"
	"github.com/vadiminshakov/ladder/internal/services/operator"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/services/scheduler"
	"github.com/vadiminshakov/ladder/internal/services/tracker"
	"github.com/vadiminshakov/ladder/internal/services/worker"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
	"github.com/vadiminshakov/ladder/internal/storage/positions/badgerstore"
	"github.com/vadiminshakov/ladder/internal/storage/positions/sqlitestore"
	"github.com/vadiminshakov/ladder/internal/web"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	l := logger.New(cfg.Log)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, l, cfg); err != nil {
		l.Fatal("ladder stopped with error", zap.Error(err))
	}
	l.Info("ladder stopped")
}

func run(ctx context.Context, l *zap.Logger, cfg config.Config) error {
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := journal.NewWALStore(cfg.JournalDir)
	if err != nil {
		return err
	}
	defer j.Close()

	m := metrics.New()

	q := queue.New(l.Named("queue"), store, cfg.Queue, queue.WithJournal(j), queue.WithMetrics(m))
	t := tracker.New(l.Named("tracker"), store, cfg.DustVolume, j, m)

	gateways := gateway.NewFactory(l.Named("gateway"), gateway.FactoryConfig{
		Credentials:      cfg.Credentials,
		Instruments:      cfg.Instruments,
		InstrumentTTL:    cfg.InstrumentTTL,
		SimulateStateDir: cfg.SimulateStateDir,
		SimulateBalances: cfg.SimulateBalances,
	})

	w := worker.New(l.Named("worker"), store, q, t, gateways, m, cfg.Worker.Concurrency)
	ev := evaluator.New(l.Named("evaluator"), store, q, gateways, evaluator.Config{
		Concurrency:         cfg.EvalConcurrency,
		AutoRetryExitFailed: cfg.AutoRetryExitFailed,
		ExitFailedCooldown:  cfg.ExitFailedCooldown,
	}, evaluator.WithJournal(j), evaluator.WithMetrics(m))
	op := operator.New(l.Named("operator"), store, q, gateways, j)

	if err := seedBots(ctx, l, op, cfg.Bots); err != nil {
		return err
	}

	sched := scheduler.New(l.Named("scheduler"))
	if err := sched.Add(ctx, scheduler.Job{Name: "evaluate", Interval: cfg.EvaluateInterval, Run: ev.EvaluateAllActiveBots}); err != nil {
		return err
	}
	if err := sched.Add(ctx, scheduler.Job{Name: "process_queue", Interval: cfg.ProcessInterval, Run: w.ProcessOrderQueue}); err != nil {
		return err
	}

	srv := web.NewServer(l.Named("web"), cfg.HTTP.Addr, op, j, m.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	l.Info("ladder started",
		zap.String("store", cfg.Store.Driver),
		zap.Int("credentials", len(cfg.Credentials)),
		zap.Duration("evaluate_interval", cfg.EvaluateInterval),
		zap.Duration("process_interval", cfg.ProcessInterval))

	return g.Wait()
}

func openStore(cfg config.StoreConfig) (positions.Store, error) {
	switch cfg.Driver {
	case config.StoreBadger:
		return badgerstore.Open(cfg.Path)
	case config.StoreSQLite:
		return sqlitestore.Open(cfg.Path)
	default:
		return nil, errors.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// seedBots creates the configured bots that do not exist yet. Existing bots keep their stored state.
func seedBots(ctx context.Context, l *zap.Logger, op *operator.Operator, bots []domain.Bot) error {
	for _, bot := range bots {
		_, err := op.CreateBot(ctx, bot)
		switch {
		case err == nil:
			l.Info("bot created from config", zap.String("bot", bot.ID), zap.String("pair", bot.Pair.String()))
		case errors.Is(err, domain.ErrConflict):
			l.Debug("bot already stored", zap.String("bot", bot.ID))
		default:
			return errors.Wrapf(err, "seed bot %s", bot.ID)
		}
	}
	return nil
}
