package model

import "time"

type RecipientStatus string

const (
	RecipientActive       RecipientStatus = "active"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
	RecipientBounced      RecipientStatus = "bounced"
)

func (s RecipientStatus) String() string { return string(s) }

// Recipient is a newsletter subscriber. Only active recipients are fanned
// out when a campaign launches.
type Recipient struct {
	ID        int64           `db:"id"`
	Email     string          `db:"email"`
	Name      string          `db:"name"`
	Status    RecipientStatus `db:"status"`
	CreatedAt time.Time       `db:"created_at"`
}
