package model

import "time"

type ContactStatus string

const (
	ContactPending ContactStatus = "pending"
	ContactSent    ContactStatus = "sent"
	ContactError   ContactStatus = "error"
)

// Contact is one recipient within a campaign. Status is mutated only by the
// dispatch worker, or reset to pending en masse.
type Contact struct {
	ID         int64             `db:"id" json:"id"`
	CampaignID int64             `db:"campaign_id" json:"campaignId"`
	Name       string            `db:"name" json:"name"`
	Phone      string            `db:"phone" json:"phone"`
	Email      string            `db:"email" json:"email,omitempty"`
	Category   string            `db:"category" json:"category,omitempty"`
	ExtraData  map[string]string `db:"-" json:"extraData,omitempty"`

	Status       ContactStatus `db:"status" json:"status"`
	ErrorMessage string        `db:"error_message" json:"errorMessage,omitempty"`
	SentAt       *time.Time    `db:"sent_at" json:"sentAt,omitempty"`
}
