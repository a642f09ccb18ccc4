// Command engine runs the Bank Nifty / MCX trend-following portfolio
// engine: webhook intake, sizing, pyramiding, stop management, order
// execution, scheduled rollover/EOD processes and HA leader election
// (spec.md, all modules).
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/hkdf"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/api"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/audit"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/broker"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/config"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/engine"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/marketfeed"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/scheduler"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/stopmgr"
)

var (
	envFile    string
	jsonConfig string
	jsonOutput bool
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Bank Nifty / MCX trend-following portfolio engine",
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	root.PersistentFlags().StringVar(&jsonConfig, "config", "", "JSON config file path")
	root.PersistentFlags().BoolVar(&jsonOutput, "json-logs", true, "emit JSON logs instead of console output")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")

	root.AddCommand(serveCmd())
	root.AddCommand(rolloverCmd())
	root.AddCommand(eodStatusCmd())
	root.AddCommand(emergencyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	logger.Configure(jsonOutput, logLevel)
	return config.Load(envFile, jsonConfig)
}

func openStore(cfg *config.Config) (*sql.DB, *portfolio.Store, error) {
	db, err := sql.Open("sqlite", cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := portfolio.New(db)
	if err != nil {
		return nil, nil, err
	}
	return db, store, nil
}

func deriveJWTKey(clusterSecret string) []byte {
	r := hkdf.New(sha256.New, []byte(clusterSecret), nil, []byte("engine-leader-jwt"))
	key := make([]byte, 32)
	_, _ = io.ReadFull(r, key)
	return key
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: HTTP API, scheduler and leader election",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.With("main")

			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.InitPortfolioState(5_000_000); err != nil {
				return err
			}

			auditSink, err := audit.New(db)
			if err != nil {
				return err
			}

			catalog := instrument.Default()
			clk := clock.Real{}

			brokerClient := broker.NewRESTBroker(os.Getenv("BROKER_BASE_URL"), os.Getenv("BROKER_API_KEY"))
			executor := broker.NewExecutor(brokerClient, clk, broker.DefaultExecutorConfig())

			feed := marketfeed.NewWebsocketFeed(os.Getenv("MARKETFEED_WS_URL"))

			dedup := signal.NewDedup(signal.DefaultCapacity, signal.NewInMemoryDistributedDedup())

			jwtKey := deriveJWTKey(cfg.Security.JWTClusterSecret)
			elector := leader.New(cfg.InstanceID, leader.NewInMemoryPrimaryLock(), store, jwtKey)

			eng := engine.New(cfg, catalog, store, dedup, feed, executor, elector, auditSink, clk)

			emergAuth := api.NewEmergencyAuth(cfg.Security.APIKeyBcryptHash, cfg.Security.TOTPSecret)
			server := api.New(eng, store, elector, catalog, emergAuth)

			sched := scheduler.New(clk)
			sched.Register(scheduler.Task{
				Name: "heartbeat", Interval: scheduler.HeartbeatInterval,
				Run: scheduler.NewHeartbeat(cfg.InstanceID, store, elector, clk).Beat,
			})
			sched.Register(scheduler.Task{
				Name: "audit-cleanup", Interval: scheduler.CleanupInterval,
				Run: scheduler.NewCleanup(auditSink, clk).Run,
			})
			rolloverScanner := scheduler.NewRolloverScanner(store, catalog, clk, func(ctx context.Context, pos *portfolio.Position) error {
				log.Infof("rollover: would execute contract swap for %s (not yet implemented for this instrument set)", pos.PositionID)
				return nil
			})
			sched.Register(scheduler.Task{
				Name: "rollover-scan", Interval: scheduler.RolloverScanInterval,
				Run: rolloverScanner.Scan,
			})

			eodCheckInterval := time.Duration(cfg.EOD.ConditionCheckSeconds) * time.Second
			if eodCheckInterval <= 0 {
				eodCheckInterval = 5 * time.Second
			}
			eodMonitor := scheduler.NewEODMonitor(store, catalog, feed, cfg.EOD, cfg.MarketHours, clk,
				func(ctx context.Context, pos *portfolio.Position, ltp float64) error {
					sig := engine.SyntheticExitSignal(pos, ltp, stopmgr.StopLossReason, clk.Now())
					_, err := eng.ProcessSignal(ctx, sig)
					return err
				})
			sched.Register(scheduler.Task{
				Name: "eod-monitor", Interval: eodCheckInterval,
				Run: eodMonitor.Scan,
			})

			ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go func() { _ = feed.Run(ctx) }()
			go elector.Run(ctx)
			go sched.Run(ctx)
			go eng.RunStopMonitor(ctx)

			httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler()}
			go func() {
				log.Infof("listening on %s", cfg.ListenAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("http server error: %v", err)
				}
			}()

			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func rolloverCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rollover", Short: "Rollover scan/execute utilities"}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan for positions due for rollover and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			positions, err := store.ListAllOpenPositions()
			if err != nil {
				return err
			}
			for _, p := range positions {
				fmt.Printf("%s\t%s\t%s\n", p.PositionID, p.Instrument, p.RolloverStatus)
			}
			return nil
		},
	})
	return cmd
}

func eodStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eod-status",
		Short: "Print whether each instrument is currently in its EOD monitoring window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog := instrument.Default()
			now := time.Now().UTC()
			for _, name := range []instrument.Name{instrument.BankNifty, instrument.GoldMini, instrument.SilverMini, instrument.Copper} {
				c, _ := catalog.Get(name)
				inWindow, err := scheduler.EODWindow(c, cfg.EOD, cfg.MarketHours, now)
				if err != nil {
					return err
				}
				fmt.Printf("%s: eod_window=%v\n", name, inWindow)
			}
			return nil
		},
	}
}

func emergencyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "emergency", Short: "Administrative emergency actions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Print how to pause trading through the authenticated HTTP /emergency/stop endpoint (does not pause trading itself)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Use the HTTP /emergency/stop endpoint with X-API-KEY and X-TOTP-CODE headers.")
			return nil
		},
	})
	return cmd
}
