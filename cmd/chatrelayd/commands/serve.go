package commands

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatrelay/internal/bridge"
	"chatrelay/internal/config"
	"chatrelay/internal/metric"
	"chatrelay/internal/registry"
	"chatrelay/internal/server"
	"chatrelay/internal/store"
	"chatrelay/internal/tasks"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chatrelay instance",
	Long: `Run one chatrelay instance: websocket and HTTP surface, local fan-out,
Redis-backed history, and cross-instance replication over Redis Pub/Sub.

Configuration comes from an optional YAML file (--config) overridden by
environment variables. A Redis outage at startup or at runtime degrades the
instance to local-only mode; it never prevents local clients from chatting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to chatrelay.yml (optional)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	log.Printf("[Main] Starting chatrelay instance '%s'", cfg.InstanceID)

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A dead broker at startup is degraded mode, not a startup failure:
	// local clients must be able to talk to each other regardless.
	if err := rdb.Ping(runCtx).Err(); err != nil {
		log.Printf("[Main] Redis not reachable, starting in local-only mode: %v", err)
	}

	metrics := metric.New()
	st := store.New(rdb, cfg.Retention(), cfg.MaxUserMessages, cfg.MaxGlobalMessages)
	reg := registry.New(cfg.InstanceID, st, metrics)
	br := bridge.New(rdb, cfg.InstanceID, reg)
	tm := tasks.NewManager(cfg.InstanceID, cfg.MinTaskDelay, cfg.MaxTaskDelay, metrics)

	// Subscribe before accepting any client traffic so no early
	// cross-instance message is missed.
	if err := br.Start(runCtx); err != nil {
		log.Printf("[Main] Replication unavailable, continuing local-only: %v", err)
	}

	srv := server.New(runCtx, cfg, reg, br, st, tm, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		log.Printf("[Main] Received signal %v, shutting down gracefully...", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	if err := srv.Shutdown(10 * time.Second); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}
	cancel()

	log.Printf("[Main] Instance '%s' stopped", cfg.InstanceID)
	return nil
}
