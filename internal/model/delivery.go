package model

import "time"

type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliverySending    DeliveryStatus = "sending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryOpened     DeliveryStatus = "opened"
	DeliveryClicked    DeliveryStatus = "clicked"
	DeliveryBounced    DeliveryStatus = "bounced"
	DeliveryComplained DeliveryStatus = "complained"
)

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryQueued, DeliverySending, DeliverySent, DeliveryDelivered,
		DeliveryFailed, DeliveryOpened, DeliveryClicked, DeliveryBounced,
		DeliveryComplained:
		return true
	default:
		return false
	}
}

// Dispatched reports whether the delivery left SENDING successfully. The
// dispatch loop never re-sends a dispatched row; only engagement signals may
// move it further.
func (s DeliveryStatus) Dispatched() bool {
	switch s {
	case DeliverySent, DeliveryDelivered, DeliveryOpened,
		DeliveryClicked, DeliveryBounced, DeliveryComplained:
		return true
	default:
		return false
	}
}

// Engagement reports whether s is an asynchronous feedback signal.
func (s DeliveryStatus) Engagement() bool {
	switch s {
	case DeliveryOpened, DeliveryClicked, DeliveryBounced, DeliveryComplained:
		return true
	default:
		return false
	}
}

// DeadLetterMarker flags exhausted deliveries. The dead-letter queue is a
// query predicate (status=failed AND attempts>=max), not a status value.
const DeadLetterMarker = "moved to dead-letter"

// Delivery is one row per (campaign, recipient): the unit of fan-out and the
// durable record of its outcome. Rows are never physically deleted.
type Delivery struct {
	ID             string         `db:"id"` // ULID
	CampaignID     int64          `db:"campaign_id"`
	RecipientID    int64          `db:"recipient_id"`
	RecipientEmail string         `db:"recipient_email"`
	Status         DeliveryStatus `db:"status"`
	Attempts       int            `db:"attempts"`
	LastError      *string        `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// DeliveryEvent is a row from the ClickHouse delivery feed (read model filled
// from the Kafka stream, never written by this engine).
type DeliveryEvent struct {
	DeliveryID     string    `db:"delivery_id"`
	CampaignID     int64     `db:"campaign_id"`
	RecipientEmail string    `db:"recipient_email"`
	Status         string    `db:"status"`
	Attempts       int       `db:"attempts"`
	Error          string    `db:"error"`
	EventTime      time.Time `db:"event_time"`
}
