package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chomp/internal/config"
	"chomp/internal/ingester"
	"chomp/internal/runtime"
	"chomp/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Printf("[Main] %v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var args runtime.Args
	var maxRetries int
	var ingestionTimeoutSec int
	var wsPingIntervalSec, wsPingTimeoutSec int

	cmd := &cobra.Command{
		Use:          "chomp",
		Short:        "Distributed multi-source data ingestion fleet",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args.MaxRetries = maxRetries
			args.IngestionTimeout = time.Duration(ingestionTimeoutSec) * time.Second
			args.WSPingInterval = time.Duration(wsPingIntervalSec) * time.Second
			args.WSPingTimeout = time.Duration(wsPingTimeoutSec) * time.Second
			return run(cmd.Context(), args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&args.EnvFile, "env", "", "environment file path")
	f.BoolVar(&args.Verbose, "verbose", false, "enable debug logging")
	f.StringVar(&args.ProcID, "proc_id", "", "instance UID used by the claim lock")
	f.BoolVar(&args.Threaded, "threaded", true, "enable the worker pool")
	f.StringVar(&args.TSDBAdapter, "tsdb_adapter", "timescale", "storage backend name")
	f.IntVar(&maxRetries, "max_retries", 3, "per-RPC retry budget")
	f.IntVar(&ingestionTimeoutSec, "ingestion_timeout", 60, "per-tick hard deadline in seconds")
	f.StringVar(&args.Host, "host", "0.0.0.0", "API server host")
	f.IntVar(&args.Port, "port", 40004, "API server port")
	f.IntVar(&wsPingIntervalSec, "ws_ping_interval", 20, "WebSocket ping interval in seconds")
	f.IntVar(&wsPingTimeoutSec, "ws_ping_timeout", 10, "WebSocket ping timeout in seconds")
	f.BoolVar(&args.Ping, "ping", false, "probe the cache backend and exit")
	f.StringVar(&args.ConfigPath, "config", "ingesters.yml", "ingester definitions file")
	f.BoolVar(&args.Standalone, "standalone", false, "run without fleet coordination")
	return cmd
}

func run(ctx context.Context, args runtime.Args) error {
	if args.EnvFile != "" {
		if err := loadEnvFile(args.EnvFile); err != nil {
			return err
		}
	}
	if args.RedisAddr == "" {
		args.RedisAddr = envDefault("REDIS_ADDR", "localhost:6379")
	}
	args.RedisPass = os.Getenv("REDIS_PASSWORD")
	if args.DBURL == "" {
		args.DBURL = os.Getenv("DATABASE_URL")
	}
	if args.DBURL == "" && args.TSDBAdapter == "timescale" {
		log.Println("[Main] DATABASE_URL not set, falling back to the noop storage adapter")
		args.TSDBAdapter = "noop"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, args)
	if err != nil {
		return err
	}
	defer rt.Close()

	if args.Ping {
		if err := rt.Cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache unreachable: %w", err)
		}
		log.Println("[Main] Cache backend reachable")
		return nil
	}

	log.Printf("[Main] Initializing chomp (proc_id: %s)", rt.Args.ProcID)

	cfg, ingesters, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	for chainID, urls := range cfg.Chains {
		rt.Pool.Register(chainID, urls)
	}

	scheduled := 0
	for _, ing := range ingesters {
		if err := ingester.Schedule(rt, ing); err != nil {
			// Fatal for the offending ingester only.
			log.Printf("[Main] Skipping %s: %v", ing.Name, err)
			continue
		}
		scheduled++
	}
	if scheduled == 0 {
		return fmt.Errorf("no ingester could be scheduled")
	}
	log.Printf("[Main] Scheduled %d/%d ingesters", scheduled, len(ingesters))

	go func() {
		if err := server.New(rt).Start(ctx); err != nil {
			log.Printf("[Server] %v", err)
		}
	}()

	rt.Scheduler.Run(ctx)
	log.Println("[Main] Shutdown complete")
	return nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadEnvFile applies KEY=VALUE lines; existing variables win.
func loadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
