// Command coordinatord runs the pool coordinator: schema migration, the
// dispatcher/emission background loops and the worker-facing HTTP surface.
// Built on github.com/urfave/cli/v2, the same CLI framework cmd/geth uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openmesh-labs/pool-coordinator/dispatch"
	"github.com/openmesh-labs/pool-coordinator/emission"
	"github.com/openmesh-labs/pool-coordinator/internal/config"
	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/ledger"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/protocol"
	"github.com/openmesh-labs/pool-coordinator/scheduler"
	"github.com/openmesh-labs/pool-coordinator/store"
	"github.com/openmesh-labs/pool-coordinator/verify"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a TOML config file (optional; env overrides still apply)",
	EnvVars: []string{"COORDINATOR_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:  "coordinatord",
		Usage: "federated compute pool coordinator",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			serveCommand,
			migrateCommand,
			reportCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		gethlog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Logging.FilePath != "" {
		gethlog.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Logging.FilePath,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
		}, slog.LevelInfo)
	}
	return cfg, nil
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "apply schema migrations and seed default pricing/pool settings",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx := c.Context
		s, err := store.Open(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConnections))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer s.Close()

		if err := store.ApplyMigrations(ctx, s); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if err := store.Seed(ctx, s); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		gethlog.Info("migration and seed complete")
		return nil
	},
}

var reportCommand = &cli.Command{
	Name:  "report",
	Usage: "print read-only ledger balances, worker leaderboard and job funnel counts",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx := c.Context
		s, err := store.Open(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConnections))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer s.Close()

		r := store.NewReporting(s.Pool)

		balances, err := r.LedgerBalances(ctx)
		if err != nil {
			return err
		}
		fmt.Println("== ledger balances ==")
		for _, b := range balances {
			fmt.Printf("account=%d owner=%s/%d currency=%s balance=%.8f\n", b.AccountID, b.OwnerType, b.OwnerID, b.Currency, b.Balance)
		}

		leaderboard, err := r.WorkerLeaderboard(ctx, 20)
		if err != nil {
			return err
		}
		fmt.Println("== worker leaderboard ==")
		for _, w := range leaderboard {
			fmt.Printf("worker=%d name=%s status=%s reputation=%.4f\n", w.WorkerID, w.Name, w.Status, w.Reputation)
		}

		funnel, err := r.JobFunnel(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("== job funnel ==\nqueued=%d running=%d completed=%d failed=%d canceled=%d\n",
			funnel.Queued, funnel.Running, funnel.Completed, funnel.Failed, funnel.Canceled)
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the dispatcher/emission loops and the worker-facing HTTP surface",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		s, err := store.Open(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConnections))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer s.Close()

		// A schema the code does not understand is not survivable; bail
		// before any loop starts.
		if err := store.ApplyMigrations(ctx, s); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		metrics := obsv.New()
		d := dispatch.New(s, cfg.Loops.DispatchBatchSize, metrics)
		v := verify.New(s, metrics)
		a := ledger.New(s, metrics)
		e := emission.New(s, metrics)

		sched := scheduler.New(s, d, e,
			scheduler.WithDispatchInterval(time.Duration(cfg.Loops.DispatchIntervalSeconds)*time.Second),
			scheduler.WithEmissionPollInterval(time.Duration(cfg.Loops.EmissionPollSeconds)*time.Second),
		)
		sched.Start(ctx)

		surface := protocol.New(s, v, a, metrics)
		surface.SetSubmitRateLimit(cfg.HTTP.SubmitRateLimitPerMin)
		router := surface.Router(devPrincipal)

		srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: router}
		serveErr := make(chan error, 1)
		go func() {
			gethlog.Info("listening", "addr", cfg.HTTP.ListenAddr)
			serveErr <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			gethlog.Info("shutdown signal received")
		case err := <-serveErr:
			if err != nil && err != http.ErrServerClosed {
				gethlog.Error("http server failed", "err", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		sched.Stop()
		sched.Wait()
		return nil
	},
}

// devPrincipal is a placeholder PrincipalFunc standing in for the external
// auth layer: it trusts caller-supplied X-User-Id/X-Role headers verbatim.
// Production deployments replace this with a real gateway-backed
// implementation before routing any traffic here.
func devPrincipal(r *http.Request) (protocol.Principal, error) {
	role := model.Role(r.Header.Get("X-Role"))
	if role != model.RoleClient && role != model.RoleWorkerOwner {
		return protocol.Principal{}, fmt.Errorf("missing or invalid X-Role header")
	}
	var userID int64
	if _, err := fmt.Sscanf(r.Header.Get("X-User-Id"), "%d", &userID); err != nil {
		return protocol.Principal{}, fmt.Errorf("missing or invalid X-User-Id header")
	}
	return protocol.Principal{UserID: userID, Role: role}, nil
}
