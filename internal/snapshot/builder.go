// Package snapshot freezes a campaign's current template and article set into
// immutable, hash-verified content. Campaigns should be snapshotted once,
// before the first delivery is dispatched: regenerating bumps the version and
// changes content for subsequent sends only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
)

// TemplateCompiler renders a template into final markup; deterministic for
// fixed inputs. External collaborator.
type TemplateCompiler interface {
	Compile(ctx context.Context, templateID string, vars map[string]string) (Compiled, error)
}

type Compiled struct {
	Subject   string
	HTML      string
	Text      string
	Preheader string
}

// ContentSource yields the ordered article identifiers to embed, recorded as
// snapshot provenance. External collaborator.
type ContentSource interface {
	CurrentArticleSet(ctx context.Context) ([]string, error)
}

// ErrSnapshotNotFound distinguishes "nothing to verify" from a hash mismatch,
// which signals storage corruption.
var ErrSnapshotNotFound = errors.New("snapshot not found")

type Builder struct {
	campaigns  repository.CampaignsRepository
	snapshots  repository.SnapshotsRepository
	recipients repository.RecipientsRepository
	compiler   TemplateCompiler
	source     ContentSource

	// Serializes snapshot creation per campaign; concurrent regeneration
	// would race the version counter.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewBuilder(
	campaigns repository.CampaignsRepository,
	snapshots repository.SnapshotsRepository,
	recipients repository.RecipientsRepository,
	compiler TemplateCompiler,
	source ContentSource,
) *Builder {
	return &Builder{
		campaigns:  campaigns,
		snapshots:  snapshots,
		recipients: recipients,
		compiler:   compiler,
		source:     source,
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (b *Builder) lockFor(campaignID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[campaignID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[campaignID] = l
	}
	return l
}

// CreateResult is the structured outcome of CreateSnapshot. Business
// conditions (campaign missing, no template bound) come back as
// Success=false; only infrastructure failures return an error.
type CreateResult struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
}

// CreateSnapshot compiles the campaign's template against the current article
// set and upserts the frozen content. Recipient-specific fields stay as
// literal placeholder tokens; they are substituted per recipient at send
// time, so the snapshot is recipient-agnostic.
func (b *Builder) CreateSnapshot(ctx context.Context, campaignID int64) (*CreateResult, error) {
	lock := b.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	c, err := b.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &CreateResult{Message: fmt.Sprintf("campaign %d not found", campaignID)}, nil
	}
	if c.TemplateID == nil || *c.TemplateID == "" {
		return &CreateResult{Message: fmt.Sprintf("campaign %d has no template bound", campaignID)}, nil
	}

	articles, err := b.source.CurrentArticleSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("current article set: %w", err)
	}

	compiled, err := b.compiler.Compile(ctx, *c.TemplateID, map[string]string{
		"campaign_title": c.Title,
		"subject":        c.Subject,
		"articles":       strings.Join(articles, ", "),
	})
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", *c.TemplateID, err)
	}

	version := 1
	if prev, err := b.snapshots.Get(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("get previous snapshot: %w", err)
	} else if prev != nil {
		version = prev.TemplateVersion + 1
	}

	recipientCount, err := b.recipients.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}

	snap := &model.Snapshot{
		CampaignID:      campaignID,
		Subject:         compiled.Subject,
		HTMLContent:     compiled.HTML,
		TextContent:     compiled.Text,
		Preheader:       compiled.Preheader,
		TemplateID:      *c.TemplateID,
		TemplateVersion: version,
		ArticleIDs:      articles,
		ContentHash:     model.ContentHash(compiled.Subject, compiled.HTML, compiled.Text),
		RecipientCount:  recipientCount,
		SegmentCount:    1,
		GeneratedAt:     time.Now().UTC(),
	}
	if err := b.snapshots.Upsert(ctx, snap); err != nil {
		return nil, fmt.Errorf("upsert snapshot: %w", err)
	}

	return &CreateResult{
		Success:  true,
		Message:  fmt.Sprintf("snapshot v%d generated for campaign %d", version, campaignID),
		Snapshot: snap,
	}, nil
}

// VerifySnapshot recomputes the content hash from stored fields and compares.
// A mismatch returns (false, nil): callers decide whether it blocks sending.
// A missing snapshot returns ErrSnapshotNotFound so the two faults are never
// conflated.
func (b *Builder) VerifySnapshot(ctx context.Context, campaignID int64) (bool, error) {
	snap, err := b.snapshots.Get(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("get snapshot: %w", err)
	}
	if snap == nil {
		return false, ErrSnapshotNotFound
	}
	return snap.VerifyHash(), nil
}
