package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/config"
	"github.com/pressroom/campaign-engine/internal/db"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo operators, recipients and campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo data...")

		if err := seedOperators(sqlDB); err != nil {
			return err
		}
		if err := seedRecipients(sqlDB); err != nil {
			return err
		}
		if err := seedCampaigns(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedOperators inserts deterministic demo operators (idempotent).
func seedOperators(dbx *sqlx.DB) error {
	operators := []model.Operator{
		{
			Name:         "Editorial Desk",
			APIKey:       "11111111111111111111111111111111",
			Status:       "active",
			RateLimitRPS: intptr(20),
		},
		{
			Name:         "Growth Team",
			APIKey:       "22222222222222222222222222222222",
			Status:       "active",
			RateLimitRPS: intptr(50),
		},
		{
			Name:         "On-call",
			APIKey:       "33333333333333333333333333333333",
			Status:       "active",
			RateLimitRPS: intptr(5),
		},
		{
			Name:         "Former Staff",
			APIKey:       "44444444444444444444444444444444",
			Status:       "suspended",
			RateLimitRPS: nil,
		},
	}

	// idempotent upsert based on api_key (UNIQUE)
	const q = `
INSERT INTO operators
    (name, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name        = VALUES(name),
    status      = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at  = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, op := range operators {
		if _, err := tx.Exec(q, op.Name, op.APIKey, op.Status, op.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert operator %q: %w", op.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit operators: %w", err)
	}
	return nil
}

// seedRecipients inserts demo subscribers, including non-active ones that
// must be skipped at launch.
func seedRecipients(dbx *sqlx.DB) error {
	recipients := []model.Recipient{
		{Email: "alice@example.com", Name: "Alice", Status: model.RecipientActive},
		{Email: "bob@example.com", Name: "Bob", Status: model.RecipientActive},
		{Email: "carol@example.com", Name: "Carol", Status: model.RecipientActive},
		{Email: "dave@example.com", Name: "Dave", Status: model.RecipientUnsubscribed},
		{Email: "erin@example.com", Name: "Erin", Status: model.RecipientBounced},
	}

	const q = `
INSERT INTO recipients (email, name, status, created_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name   = VALUES(name),
    status = VALUES(status)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, r := range recipients {
		if _, err := tx.Exec(q, r.Email, r.Name, r.Status, now); err != nil {
			return fmt.Errorf("insert recipient %q: %w", r.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recipients: %w", err)
	}
	return nil
}

// seedCampaigns inserts demo draft campaigns, one immediate and one
// scheduled for the near future (picked up by the scheduler worker).
func seedCampaigns(dbx *sqlx.DB) error {
	later := time.Now().Add(10 * time.Minute)
	campaigns := []model.Campaign{
		{
			Title:      "Weekly Digest #42",
			Subject:    "Your weekly digest",
			TemplateID: strptr("weekly-digest"),
			Status:     model.CampaignDraft,
		},
		{
			Title:       "Product Launch",
			Subject:     "Something new just landed",
			TemplateID:  strptr("breaking-news"),
			Status:      model.CampaignQueued,
			ScheduledAt: &later,
		},
	}

	const q = `
INSERT INTO campaigns (title, subject, template_id, status, scheduled_at, created_at, updated_at)
SELECT ?, ?, ?, ?, ?, ?, ?
 WHERE NOT EXISTS (SELECT 1 FROM campaigns WHERE title = ?)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, c := range campaigns {
		if _, err := tx.Exec(q, c.Title, c.Subject, c.TemplateID, c.Status, c.ScheduledAt, now, now, c.Title); err != nil {
			return fmt.Errorf("insert campaign %q: %w", c.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit campaigns: %w", err)
	}
	return nil
}

func intptr(i int) *int       { return &i }
func strptr(s string) *string { return &s }
