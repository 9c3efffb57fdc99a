package model

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ArticleIDs is the ordered content-provenance list stored as a JSON column.
type ArticleIDs []string

func (a ArticleIDs) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *ArticleIDs) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ArticleIDs", value)
	}

	return json.Unmarshal(bytes, a)
}

// Snapshot is the frozen rendered content for a campaign, one live row per
// campaign (upsert). ContentHash must always equal the digest recomputed from
// the three content fields; a mismatch is an integrity failure, never
// silently repaired.
type Snapshot struct {
	CampaignID      int64      `db:"campaign_id"`
	Subject         string     `db:"subject"`
	HTMLContent     string     `db:"html_content"`
	TextContent     string     `db:"text_content"`
	Preheader       string     `db:"preheader"`
	TemplateID      string     `db:"template_id"`
	TemplateVersion int        `db:"template_version"`
	ArticleIDs      ArticleIDs `db:"article_ids"`
	ContentHash     string     `db:"content_hash"`
	RecipientCount  int64      `db:"recipient_count"`
	SegmentCount    int        `db:"segment_count"`
	GeneratedAt     time.Time  `db:"generated_at"`
}

// ContentHash computes the canonical digest over subject ++ html ++ text.
func ContentHash(subject, html, text string) string {
	sum := sha256.Sum256([]byte(subject + html + text))
	return hex.EncodeToString(sum[:])
}

// VerifyHash recomputes the digest from stored content and compares.
func (s *Snapshot) VerifyHash() bool {
	return s.ContentHash == ContentHash(s.Subject, s.HTMLContent, s.TextContent)
}
