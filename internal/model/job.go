package model

// DeliveryJob is the payload published to Kafka (via the Debezium outbox
// SMT). The queue may redeliver it; the ledger-side status claim makes
// processing idempotent.
type DeliveryJob struct {
	ID             string `json:"id"` // delivery ULID
	CampaignID     int64  `json:"campaign_id"`
	RecipientID    int64  `json:"recipient_id"`
	RecipientEmail string `json:"recipient_email"`
}
