package model

import "time"

// MessageLog is an append-only delivery record. Never mutated after insert;
// removed only when the owning campaign is reset or deleted.
type MessageLog struct {
	ID           int64         `db:"id" json:"id"`
	CampaignID   int64         `db:"campaign_id" json:"campaignId"`
	ContactID    int64         `db:"contact_id" json:"contactId"`
	ContactName  string        `db:"contact_name" json:"contactName"`
	ContactPhone string        `db:"contact_phone" json:"contactPhone"`
	Status       ContactStatus `db:"status" json:"status"`
	ErrorMessage string        `db:"error_message" json:"errorMessage,omitempty"`
	MessageSent  string        `db:"message_sent" json:"messageSent"`
	SentAt       time.Time     `db:"sent_at" json:"sentAt"`
}

// Notification is a best-effort user-facing event row (campaign completed,
// campaign paused on error).
type Notification struct {
	ID         int64     `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"userId"`
	CampaignID int64     `db:"campaign_id" json:"campaignId"`
	Kind       string    `db:"kind" json:"kind"`
	Message    string    `db:"message" json:"message"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
