package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pressroom/campaign-engine/internal/config"
	"github.com/pressroom/campaign-engine/internal/db"
	"github.com/pressroom/campaign-engine/internal/launch"
	"github.com/pressroom/campaign-engine/internal/logger"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/pressroom/campaign-engine/internal/snapshot"
	"github.com/pressroom/campaign-engine/internal/worker"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduled-campaign launcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)

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

		campaignsRepo := repository.NewCampaignsRepository(dbx)
		recipientsRepo := repository.NewRecipientsRepository(dbx)
		deliveriesRepo := repository.NewDeliveriesRepository(dbx)
		snapshotsRepo := repository.NewSnapshotsRepository(dbx)
		outboxRepo := repository.NewOutboxRepository(dbx)

		compiler := snapshot.NewStaticCompiler(snapshot.BuiltinLayouts())
		source := &snapshot.StaticSource{Articles: snapshot.BuiltinArticles()}
		builder := snapshot.NewBuilder(campaignsRepo, snapshotsRepo, recipientsRepo, compiler, source)
		launcher := launch.New(dbx, campaignsRepo, recipientsRepo, deliveriesRepo, snapshotsRepo, outboxRepo, builder)

		sched := worker.NewScheduler(campaignsRepo, launcher, cfg.Scheduler.PollInterval)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> scheduler started interval=%s", sched.PollInterval)

		return sched.Run(ctx)
	},
}
