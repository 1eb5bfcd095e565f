// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coupon-orchestrator/pkg/api"
	"coupon-orchestrator/pkg/checker"
	"coupon-orchestrator/pkg/config"
	"coupon-orchestrator/pkg/coupon"
	"coupon-orchestrator/pkg/database"
	"coupon-orchestrator/pkg/ipinfo"
	"coupon-orchestrator/pkg/launcher"
	"coupon-orchestrator/pkg/models"
	"coupon-orchestrator/pkg/proxy"
	"coupon-orchestrator/pkg/scheduler"
	"coupon-orchestrator/pkg/supervisor"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
	settings   config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "coupon-orchestrator",
	Short: "Keeps a stock of validated coupon codes by supervising browser workers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		settings, err = config.Load(viper.GetViper())
		if err != nil {
			fmt.Printf("Invalid configuration: %v\n", err)
			os.Exit(1)
		}

		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		var out io.Writer = os.Stderr
		if settings.Log.File != "" {
			f, err := os.OpenFile(settings.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Printf("Error opening log file: %v\n", err)
				os.Exit(1)
			}
			out = io.MultiWriter(os.Stderr, f)
		}

		logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Supervise workers and serve the coupon API",
	Long: `Run the orchestrator: serve the API workers report to and, every interval,
retire finished or overrun workers and start a new one for the coupon type that is
lowest on stock. A primary instance first resyncs the proxy pool from proxies.source.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pool := newPool(db)
		if pool.Primary() {
			active, err := pool.ResyncFile(ctx, settings.Proxies.Source)
			if err != nil {
				logger.Error("Error resyncing proxies, keeping the current pool", "source", settings.Proxies.Source, "error", err)
			} else {
				logger.Info("Proxies resynced", "active", active)
			}
		}

		coupons := newCouponService(db)

		port, err := settings.Server.WorkerPort()
		if err != nil {
			logger.Error("Invalid server settings", "error", err)
			os.Exit(1)
		}
		workers, err := launcher.New(launcher.Config{
			Command:    settings.Worker.Command,
			ServerPort: port,
			Chrome:     settings.Worker.Chrome,
			LogDir:     settings.Worker.LogDir,
		}, logger)
		if err != nil {
			logger.Error("Error creating worker launcher", "error", err)
			os.Exit(1)
		}

		sup := supervisor.NewSupervisor(workers, coupons, pool, logger, supervisor.Options{
			ActiveTypes: settings.Coupons.Active,
			DefaultType: settings.Coupons.DefaultType,
			MinStock:    settings.Coupons.MinStock,
			Timeout:     settings.Manager.Timeout,
			JitterMin:   settings.Manager.JitterMin,
			JitterMax:   settings.Manager.JitterMax,
		})
		defer func() {
			sup.Shutdown()
			logger.Info("Shutdown complete")
		}()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		serverDone := make(chan error, 1)
		go func() {
			err := api.NewServer(coupons, pool, sup, logger).ListenAndServe(ctx, settings.Server.Listen)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
			}
			cancel()
			serverDone <- err
		}()

		sched := scheduler.New(sup, logger, scheduler.Options{
			Interval: settings.Manager.Interval,
			Poll:     settings.Manager.Poll,
		})
		if err := sched.Run(ctx); err != nil {
			logger.Error("Scheduler failed", "error", err)
		}
		<-serverDone
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the coupon API without supervising workers",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		server := api.NewServer(newCouponService(db), newPool(db), nil, logger)
		if err := server.ListenAndServe(ctx, settings.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	},
}

var resyncProxiesCmd = &cobra.Command{
	Use:   "resync-proxies [file]",
	Short: "Replace the proxy pool with the expansion of a source file",
	Long: `Replace the proxy pool with the endpoints expanded from a source file
(proxies.source when omitted). Only allowed when manager.primary is set.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		source := settings.Proxies.Source
		if len(args) > 0 {
			source = args[0]
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		active, err := newPool(db).ResyncFile(context.Background(), source)
		if err != nil {
			logger.Error("Error resyncing proxies", "source", source, "error", err)
			os.Exit(1)
		}
		logger.Info("Proxies resynced successfully", "active", active)
	},
}

var importCodesCmd = &cobra.Command{
	Use:     "import-codes [type] [file]",
	Short:   "Load candidate codes, one per line, into a coupon type's test pool",
	Example: "import-codes TEN_OFF codes.txt",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[1])
		if err != nil {
			logger.Error("Error reading codes file", "error", err)
			os.Exit(1)
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		inserted, err := newCouponService(db).ImportCandidates(context.Background(), args[0], strings.Split(string(data), "\n"))
		if err != nil {
			logger.Error("Error importing codes", "error", err)
			os.Exit(1)
		}
		logger.Info("Codes imported successfully", "couponType", args[0], "inserted", inserted)
	},
}

var addMasterCodeCmd = &cobra.Command{
	Use:   "add-master-code [type] [code]",
	Short: "Set the master code used to recognise reusable codes of a type",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := newCouponService(db).AddMasterCode(context.Background(), args[0], args[1]); err != nil {
			logger.Error("Error adding master code", "error", err)
			os.Exit(1)
		}
		logger.Info("Master code added successfully", "couponType", args[0])
	},
}

var stockCmd = &cobra.Command{
	Use:   "stock",
	Short: "Print the number of validated, unused codes per coupon type",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		coupons := newCouponService(db)
		types := append([]string{}, settings.Coupons.Active...)
		types = append(types, settings.Coupons.DefaultType)

		seen := make(map[string]bool)
		for _, couponType := range types {
			if seen[couponType] {
				continue
			}
			seen[couponType] = true

			count, err := coupons.StockCount(context.Background(), couponType)
			if err != nil {
				logger.Error("Error counting stock", "couponType", couponType, "error", err)
				os.Exit(1)
			}
			fmt.Printf("%-24s %6d (min %d)\n", couponType, count, settings.Coupons.MinStock)
		}
	},
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies [count]",
	Short: "Lease proxies from the pool and probe each of them",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		count := 5
		if len(args) > 0 {
			var err error
			count, err = strconv.Atoi(args[0])
			if err != nil || count < 1 {
				logger.Error("Invalid count value", "count", args[0])
				os.Exit(1)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport, err := config.TransportResolver{}.Resolve(ctx, settings.Checker.Transport)
		if err != nil {
			logger.Error("Error resolving checker transport", "error", err)
			os.Exit(1)
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pool := newPool(db)
		leaseCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		var proxies []models.Proxy
		for len(proxies) < count {
			p, err := pool.Lease(leaseCtx)
			if err != nil {
				logger.Error("Error leasing proxy", "leased", len(proxies), "error", err)
				os.Exit(1)
			}
			proxies = append(proxies, *p)
		}

		c := checker.New(logger, checker.Options{
			URL:       settings.Checker.URL,
			Transport: transport,
			Workers:   settings.Checker.Workers,
			Timeout:   settings.Checker.Timeout,
			IPInfo:    ipinfo.Client{Token: settings.IPInfo.Token},
		})

		failed := 0
		for _, r := range c.Check(ctx, proxies) {
			if r.Err != nil {
				failed++
				fmt.Printf("FAIL %s: %s\n", r.Proxy, r.Cause)
				logger.Debug("Proxy check error", "proxy", r.Proxy, "error", r.Err)
				continue
			}
			fmt.Printf("OK   %s status=%d connect=%s latency=%s exit=%s country=%s asn=%s\n",
				r.Proxy, r.StatusCode, r.ConnectTime.Round(time.Millisecond), r.Latency.Round(time.Millisecond),
				r.ExitIP, r.Country, r.ASN)
		}
		logger.Info("Proxies checked", "checked", len(proxies), "failed", failed)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: config.yaml on the search path)")

	runCmd.Flags().Bool("primary", false, "Allow this instance to resync the proxy pool")
	runCmd.Flags().StringSlice("coupons", nil, "Active coupon types in priority order")
	runCmd.Flags().Duration("interval", 0, "Time between reconcile runs")
	runCmd.Flags().String("chrome", "", "Browser executable exported to workers as PUPPETEER_EXECUTABLE_PATH")
	bindFlag(runCmd, "primary", "manager.primary")
	bindFlag(runCmd, "coupons", "coupons.active")
	bindFlag(runCmd, "interval", "manager.interval")
	bindFlag(runCmd, "chrome", "worker.chrome")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resyncProxiesCmd)
	rootCmd.AddCommand(importCodesCmd)
	rootCmd.AddCommand(addMasterCodeCmd)
	rootCmd.AddCommand(stockCmd)
	rootCmd.AddCommand(checkProxiesCmd)
}

// bindFlag lets a flag override a config key, but only when it is set explicitly.
func bindFlag(cmd *cobra.Command, flag, key string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() {
	if err := config.Init(viper.GetViper(), configFile); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB(settings.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func newPool(db *database.DB) *proxy.Pool {
	return proxy.NewPool(db, logger, proxy.Options{
		Primary:      settings.Manager.Primary,
		SnapshotPath: settings.Proxies.Snapshot,
		RetryDelay:   settings.Proxies.RetryDelay,
	})
}

func newCouponService(db *database.DB) *coupon.Service {
	return coupon.NewService(db, logger, coupon.Options{
		RevalidateChance: settings.Coupons.RevalidateChance,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
