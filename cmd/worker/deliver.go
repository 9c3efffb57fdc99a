package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pressroom/campaign-engine/internal/config"
	"github.com/pressroom/campaign-engine/internal/control"
	"github.com/pressroom/campaign-engine/internal/db"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/dispatcher"
	"github.com/pressroom/campaign-engine/internal/kafka"
	"github.com/pressroom/campaign-engine/internal/logger"
	"github.com/pressroom/campaign-engine/internal/metrics"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/pressroom/campaign-engine/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Start delivery worker (fresh | retry)",
}

var deliverFreshCmd = &cobra.Command{
	Use:   "fresh",
	Short: "Run delivery worker on the fresh lane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeliverer(cmd, "fresh", dispatch.FreshTopic)
	},
}

var deliverRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Run delivery worker on the retry lane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeliverer(cmd, "retry", dispatch.RetryTopic)
	},
}

func init() {
	deliverCmd.AddCommand(deliverFreshCmd)
	deliverCmd.AddCommand(deliverRetryCmd)
}

func runDeliverer(cmd *cobra.Command, lane, topic string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) Redis for the control gate cache; a failed connect degrades to
	// DB-only gate checks rather than blocking delivery.
	rds, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		log.Printf("redis connect failed, gate falls back to DB: %v", err)
		rds = nil
	} else {
		defer func() { _ = rds.Close() }()
	}

	// 4) repositories
	campaignsRepo := repository.NewCampaignsRepository(dbx)
	deliveriesRepo := repository.NewDeliveriesRepository(dbx)
	snapshotsRepo := repository.NewSnapshotsRepository(dbx)

	gate := control.NewGate(rds, campaignsRepo, cfg.Control.CacheTTL)

	// 5) relays → dispatcher
	var relays []dispatcher.Relay
	for _, rc := range cfg.Relays {
		if !rc.Enabled || strings.TrimSpace(rc.BaseURL) == "" {
			continue
		}
		relays = append(relays,
			dispatcher.NewHTTPRelay(
				rc.Name,
				strings.TrimRight(rc.BaseURL, "/"),
				rc.SendPath,
				rc.TimeoutMs,
				rc.Breaker.FailThreshold,
				rc.Breaker.OpenForMs,
			),
		)
	}
	if len(relays) == 0 {
		return fmt.Errorf("no relays enabled in config")
	}
	disp := dispatcher.NewDispatcher(relays)

	// 6) kafka consumer
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "campaign-deliverer"
	}
	groupID = groupID + "-" + lane

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewDeliverer(
		dbx,
		consumer,
		deliveriesRepo,
		snapshotsRepo,
		gate,
		disp,
		lane,
	)

	// tune knobs
	if cfg.Dispatcher.WorkerCount > 0 {
		w.Workers = cfg.Dispatcher.WorkerCount
	}
	if cfg.Dispatcher.BatchSize > 0 {
		w.BatchSize = cfg.Dispatcher.BatchSize
	}
	if cfg.Dispatcher.BatchWait > 0 {
		w.BatchWait = cfg.Dispatcher.BatchWait
	}

	// 7) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> deliverer started lane=%s topic=%s group=%s workers=%d batchSize=%d batchWait=%s",
		lane, topic, groupID, w.Workers, w.BatchSize, w.BatchWait)

	return w.Run(ctx)
}
