package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignReady     CampaignStatus = "ready"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Campaign is one bulk-send job: a message template plus the pacing and
// window policy applied while dispatching it to the campaign's contacts.
type Campaign struct {
	ID        int64          `db:"id" json:"id"`
	CompanyID int64          `db:"company_id" json:"companyId"`
	UserID    int64          `db:"user_id" json:"userId"`
	Name      string         `db:"name" json:"name"`
	Status    CampaignStatus `db:"status" json:"status"`

	MessageType   MessageType `db:"message_type" json:"messageType"`
	MessageText   string      `db:"message_text" json:"messageText"`
	MediaURL      string      `db:"media_url" json:"mediaUrl,omitempty"`
	MediaBase64   string      `db:"media_base64" json:"-"`
	MediaFilename string      `db:"media_filename" json:"mediaFilename,omitempty"`

	// Pacing: a uniformly random delay in [IntervalMin, IntervalMax] seconds
	// is applied between consecutive sends.
	IntervalMin int `db:"interval_min" json:"intervalMin"`
	IntervalMax int `db:"interval_max" json:"intervalMax"`

	// WorkingDays uses 0=Monday..6=Sunday, comma separated in the store
	// ("0,1,2,3,4"). Empty means business days.
	WorkingDays string `db:"working_days" json:"workingDays"`
	StartTime   string `db:"start_time" json:"startTime,omitempty"`
	EndTime     string `db:"end_time" json:"endTime,omitempty"`
	DailyLimit  int    `db:"daily_limit" json:"dailyLimit"`
	Timezone    string `db:"timezone" json:"timezone"`

	TotalContacts int `db:"total_contacts" json:"totalContacts"`
	SentCount     int `db:"sent_count" json:"sentCount"`
	ErrorCount    int `db:"error_count" json:"errorCount"`
	PendingCount  int `db:"pending_count" json:"pendingCount"`

	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// ProgressPercent is sent/total, 0 when the campaign has no contacts yet.
func (c *Campaign) ProgressPercent() float64 {
	if c.TotalContacts == 0 {
		return 0
	}
	return float64(c.SentCount) / float64(c.TotalContacts) * 100
}
