package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/control"
	"github.com/pressroom/campaign-engine/internal/dispatcher"
	"github.com/pressroom/campaign-engine/internal/kafka"
	"github.com/pressroom/campaign-engine/internal/metrics"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/pressroom/campaign-engine/internal/snapshot"
)

// Deliverer:
// - fetches delivery jobs from Kafka,
// - consults the control gate before every send,
// - claims the ledger row (queued -> sending) to absorb queue redelivery,
// - renders per-recipient content from the frozen snapshot,
// - batches ledger outcome updates atomically.
type Deliverer struct {
	// Dependencies
	DB         *sqlx.DB
	Consumer   *kafka.Consumer
	Deliveries repository.DeliveriesRepository
	Snapshots  repository.SnapshotsRepository
	Gate       *control.Gate
	Dispatch   *dispatcher.Dispatcher

	// Behavior
	Lane      string        // "fresh" | "retry" (topic-bound worker)
	Workers   int           // number of goroutines processing jobs
	BatchSize int           // max buffered updates per flush (items)
	BatchWait time.Duration // max time to wait before flush

	snapCache sync.Map // campaignID -> *model.Snapshot (frozen pre-dispatch)
}

// NewDeliverer builds a worker with sane defaults.
func NewDeliverer(
	db *sqlx.DB,
	consumer *kafka.Consumer,
	deliveries repository.DeliveriesRepository,
	snapshots repository.SnapshotsRepository,
	gate *control.Gate,
	dispatch *dispatcher.Dispatcher,
	lane string,
) *Deliverer {
	return &Deliverer{
		DB:         db,
		Consumer:   consumer,
		Deliveries: deliveries,
		Snapshots:  snapshots,
		Gate:       gate,
		Dispatch:   dispatch,
		Lane:       lane,
		Workers:    32,
		BatchSize:  200,
		BatchWait:  300 * time.Millisecond,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Deliverer) Run(ctx context.Context) error {
	if w.Lane == "" {
		return errors.New("deliverer: lane not set")
	}
	if w.Workers <= 0 {
		w.Workers = 32
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}

	// Channel for worker results → batch writer
	updates := make(chan outcome, w.BatchSize*2)

	// Start batch writer; it drains updates to close and flushes what is left
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(updates)
	}()

	// Fetch loop → fan-out to processors
	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := w.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("[deliverer] kafka fetch err: %v", err)
					time.Sleep(200 * time.Millisecond)
					continue
				}
				msgCh <- m
			}
		}
	}()

	// Start processors
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runProcessor(ctx, msgCh, updates)
		}()
	}

	// Shutdown order: every in-flight processOne must write its outcome
	// before updates closes, and the writer must flush before Run returns.
	<-ctx.Done()
	wg.Wait()
	close(updates)
	<-writerDone
	return nil
}

type outcome struct {
	id      string
	status  model.DeliveryStatus // sent | failed
	lastErr string
}

func (w *Deliverer) runProcessor(ctx context.Context, in <-chan kafka.Message, out chan<- outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			w.processOne(ctx, m, out)
		}
	}
}

func (w *Deliverer) processOne(ctx context.Context, m kafka.Message, out chan<- outcome) {
	var job model.DeliveryJob
	if err := json.Unmarshal(m.Value, &job); err != nil || job.ID == "" {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		if err != nil {
			log.Printf("[deliverer] bad job json: %v", err)
		} else {
			log.Printf("[deliverer] job missing id")
		}
		return
	}

	// Control gate, once per attempt. Paused campaigns keep the row queued
	// (resume re-enqueues); terminal campaigns are a hard stop, the cancel
	// operation's bulk update owns the row.
	runnable, status, err := w.Gate.Runnable(ctx, job.CampaignID)
	if err != nil {
		log.Printf("[deliverer] gate check campaign=%d: %v", job.CampaignID, err)
		_ = w.Consumer.Commit(ctx, m)
		return
	}
	if !runnable {
		metrics.DeliveriesTotal.WithLabelValues("gated", w.Lane).Inc()
		log.Printf("[deliverer] campaign=%d is %s; delivery %s left untouched", job.CampaignID, status, job.ID)
		_ = w.Consumer.Commit(ctx, m)
		return
	}

	// Ledger-side claim is the redelivery dedup: zero rows means another
	// worker already took this job or the row is no longer dispatchable.
	claimed, err := w.Deliveries.ClaimForSending(ctx, job.ID)
	if err != nil {
		log.Printf("[deliverer] claim %s: %v", job.ID, err)
		_ = w.Consumer.Commit(ctx, m)
		return
	}
	if !claimed {
		metrics.DeliveriesTotal.WithLabelValues("skipped", w.Lane).Inc()
		_ = w.Consumer.Commit(ctx, m)
		return
	}

	msg, renderErr := w.render(ctx, job)
	if renderErr != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed", w.Lane).Inc()
		out <- outcome{id: job.ID, status: model.DeliveryFailed, lastErr: renderErr.Error()}
		_ = w.Consumer.Commit(ctx, m)
		return
	}

	if err := w.Dispatch.Send(ctx, msg); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed", w.Lane).Inc()
		out <- outcome{id: job.ID, status: model.DeliveryFailed, lastErr: err.Error()}
	} else {
		metrics.DeliveriesTotal.WithLabelValues("sent", w.Lane).Inc()
		out <- outcome{id: job.ID, status: model.DeliverySent}
	}

	// Always commit (at-least-once; idempotency is handled by the claim)
	if err := w.Consumer.Commit(ctx, m); err != nil {
		log.Printf("[deliverer] commit err: %v", err)
	}
}

// render substitutes the recipient fields left as literal tokens in the
// frozen snapshot. A missing or corrupt snapshot fails the delivery with a
// recorded reason; it never aborts the batch.
func (w *Deliverer) render(ctx context.Context, job model.DeliveryJob) (dispatcher.Message, error) {
	snap, err := w.loadSnapshot(ctx, job.CampaignID)
	if err != nil {
		return dispatcher.Message{}, err
	}

	vars := map[string]string{
		"recipient_email": job.RecipientEmail,
	}
	return dispatcher.Message{
		To:        job.RecipientEmail,
		Subject:   snapshot.Substitute(snap.Subject, vars),
		HTML:      snapshot.Substitute(snap.HTMLContent, vars),
		Text:      snapshot.Substitute(snap.TextContent, vars),
		Preheader: snap.Preheader,
	}, nil
}

func (w *Deliverer) loadSnapshot(ctx context.Context, campaignID int64) (*model.Snapshot, error) {
	if v, ok := w.snapCache.Load(campaignID); ok {
		return v.(*model.Snapshot), nil
	}

	snap, err := w.Snapshots.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New("no snapshot for campaign")
	}
	if !snap.VerifyHash() {
		// Integrity failure: do not send corrupt content, do not repair.
		return nil, errors.New("snapshot content hash mismatch")
	}

	w.snapCache.Store(campaignID, snap)
	return snap, nil
}

// runBatchWriter does size/time-based flush of ledger outcome updates in one
// transaction per flush. It runs until in closes and flushes the remainder;
// the last flush happens after the run context is cancelled, so each flush
// carries its own deadline.
func (w *Deliverer) runBatchWriter(in <-chan outcome) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var sent []outcome
	failed := make(map[string][]string) // lastErr -> ids

	reset := func() {
		sent = sent[:0]
		failed = make(map[string][]string)
	}

	size := func() int {
		n := len(sent)
		for _, ids := range failed {
			n += len(ids)
		}
		return n
	}

	flush := func() {
		if size() == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sentIDs := make([]string, 0, len(sent))
		for _, o := range sent {
			sentIDs = append(sentIDs, o.id)
		}

		tx, err := w.DB.BeginTxx(ctx, nil)
		if err != nil {
			log.Printf("[deliverer] begin tx err: %v", err)
			reset()
			return
		}
		defer func() { _ = tx.Rollback() }()

		if len(sentIDs) > 0 {
			if err := w.Deliveries.FinalizeBatch(ctx, tx, sentIDs, model.DeliverySent, nil); err != nil {
				log.Printf("[deliverer] finalize sent err: %v", err)
				return
			}
		}
		for lastErr, ids := range failed {
			e := lastErr
			if err := w.Deliveries.FinalizeBatch(ctx, tx, ids, model.DeliveryFailed, &e); err != nil {
				log.Printf("[deliverer] finalize failed err: %v", err)
				return
			}
		}

		if err := tx.Commit(); err != nil {
			log.Printf("[deliverer] tx commit err: %v", err)
			return
		}

		log.Printf("[deliverer:%s] flushed: sent=%d failed=%d", w.Lane, len(sentIDs), size()-len(sentIDs))

		reset()
	}

	for {
		select {
		case o, ok := <-in:
			if !ok {
				flush()
				return
			}
			if o.status == model.DeliverySent {
				sent = append(sent, o)
			} else {
				failed[o.lastErr] = append(failed[o.lastErr], o.id)
			}

			if size() >= w.BatchSize {
				flush()
			}

		case <-tick.C:
			flush()
		}
	}
}
