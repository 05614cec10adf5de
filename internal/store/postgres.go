// Package store owns campaign, contact, message-log and notification
// persistence. Counter updates are single atomic UPDATEs so concurrent
// external writers never see a read-modify-write race.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/pviana/lead-dispatcher/internal/model"
)

// Connect opens and pings a Postgres pool via the pgx stdlib driver.
func Connect(ctx context.Context, url string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Progress is the lightweight per-iteration re-read the dispatch loop does
// to observe external pause/cancel requests.
type Progress struct {
	Status       model.CampaignStatus `db:"status"`
	PendingCount int                  `db:"pending_count"`
}

// DispatchRecord is the outcome of one dispatch attempt, applied atomically:
// contact terminal status, append-only message log entry, campaign counters.
type DispatchRecord struct {
	CampaignID   int64
	ContactID    int64
	ContactName  string
	ContactPhone string
	Status       model.ContactStatus
	ErrorMessage string
	MessageSent  string
	SentAt       time.Time
}

const campaignColumns = `
	id, company_id, user_id, name, status,
	message_type, message_text, media_url, media_base64, media_filename,
	interval_min, interval_max, working_days, start_time, end_time,
	daily_limit, timezone,
	total_contacts, sent_count, error_count, pending_count,
	created_at, updated_at, started_at, completed_at`

func (s *Postgres) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := s.db.GetContext(ctx, &c, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) CampaignProgress(ctx context.Context, id int64) (Progress, error) {
	var p Progress
	err := s.db.GetContext(ctx, &p, `
		SELECT status, pending_count FROM campaigns WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, fmt.Errorf("campaign %d not found", id)
	}
	return p, err
}

func (s *Postgres) SetCampaignStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

func (s *Postgres) MarkCampaignStarted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (s *Postgres) MarkCampaignCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// NextPendingContact returns the lowest-id pending contact of the campaign,
// or nil when none remain.
func (s *Postgres) NextPendingContact(ctx context.Context, campaignID int64) (*model.Contact, error) {
	var row contactRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, campaign_id, name, phone, email, category, extra_data,
		       status, error_message, sent_at
		FROM contacts
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY id ASC
		LIMIT 1
	`, campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toContact()
}

// RecordDispatch applies one dispatch outcome in a single transaction.
// pending_count is clamped at zero.
func (s *Postgres) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = $2, error_message = $3, sent_at = $4
		WHERE id = $1
	`, rec.ContactID, rec.Status, rec.ErrorMessage, rec.SentAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_logs
			(campaign_id, contact_id, contact_name, contact_phone,
			 status, error_message, message_sent, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.CampaignID, rec.ContactID, rec.ContactName, rec.ContactPhone,
		rec.Status, rec.ErrorMessage, rec.MessageSent, rec.SentAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count    = sent_count + CASE WHEN $2 = 'sent' THEN 1 ELSE 0 END,
		    error_count   = error_count + CASE WHEN $2 = 'sent' THEN 0 ELSE 1 END,
		    pending_count = GREATEST(pending_count - 1, 0),
		    updated_at    = now()
		WHERE id = $1
	`, rec.CampaignID, string(rec.Status)); err != nil {
		return err
	}

	return tx.Commit()
}

// CountMessagesSentToday counts successful sends logged since the start of
// the tenant-local day.
func (s *Postgres) CountMessagesSentToday(ctx context.Context, campaignID int64, dayStart time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM message_logs
		WHERE campaign_id = $1 AND status = 'sent' AND sent_at >= $2
	`, campaignID, dayStart)
	return n, err
}

// CountContacts counts a campaign's contacts, optionally filtered by status.
func (s *Postgres) CountContacts(ctx context.Context, campaignID int64, status model.ContactStatus) (int, error) {
	var n int
	if status == "" {
		err := s.db.GetContext(ctx, &n, `
			SELECT count(*) FROM contacts WHERE campaign_id = $1
		`, campaignID)
		return n, err
	}
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM contacts WHERE campaign_id = $1 AND status = $2
	`, campaignID, status)
	return n, err
}

// ResetCampaign returns every contact to pending, recomputes counters,
// purges message logs and moves the campaign back to ready.
func (s *Postgres) ResetCampaign(ctx context.Context, campaignID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = 'pending', error_message = '', sent_at = NULL
		WHERE campaign_id = $1
	`, campaignID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_logs WHERE campaign_id = $1
	`, campaignID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status         = 'ready',
		    total_contacts = (SELECT count(*) FROM contacts WHERE campaign_id = $1),
		    pending_count  = (SELECT count(*) FROM contacts WHERE campaign_id = $1),
		    sent_count     = 0,
		    error_count    = 0,
		    started_at     = NULL,
		    completed_at   = NULL,
		    updated_at     = now()
		WHERE id = $1
	`, campaignID); err != nil {
		return err
	}

	return tx.Commit()
}

// ImportContacts replaces the campaign's contact list in one transaction and
// moves the campaign to ready.
func (s *Postgres) ImportContacts(ctx context.Context, campaignID int64, contacts []model.Contact) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contacts WHERE campaign_id = $1
	`, campaignID); err != nil {
		return 0, err
	}

	for _, c := range contacts {
		extra, err := json.Marshal(c.ExtraData)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts
				(campaign_id, name, phone, email, category, extra_data, status, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', '')
		`, campaignID, c.Name, c.Phone, c.Email, c.Category, extra); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status         = 'ready',
		    total_contacts = $2,
		    pending_count  = $2,
		    sent_count     = 0,
		    error_count    = 0,
		    updated_at     = now()
		WHERE id = $1
	`, campaignID, len(contacts)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(contacts), nil
}

func (s *Postgres) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO campaigns
			(company_id, user_id, name, status,
			 message_type, message_text, media_url, media_base64, media_filename,
			 interval_min, interval_max, working_days, start_time, end_time,
			 daily_limit, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, 'draft', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
		RETURNING id, created_at, updated_at
	`, c.CompanyID, c.UserID, c.Name,
		c.MessageType, c.MessageText, c.MediaURL, c.MediaBase64, c.MediaFilename,
		c.IntervalMin, c.IntervalMax, c.WorkingDays, c.StartTime, c.EndTime,
		c.DailyLimit, c.Timezone,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *Postgres) UpdateCampaign(ctx context.Context, c *model.Campaign) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET name = $2, message_type = $3, message_text = $4,
		    media_url = $5, media_base64 = $6, media_filename = $7,
		    interval_min = $8, interval_max = $9, working_days = $10,
		    start_time = $11, end_time = $12, daily_limit = $13,
		    timezone = $14, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Name, c.MessageType, c.MessageText,
		c.MediaURL, c.MediaBase64, c.MediaFilename,
		c.IntervalMin, c.IntervalMax, c.WorkingDays,
		c.StartTime, c.EndTime, c.DailyLimit, c.Timezone)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("campaign %d not found", c.ID)
	}
	return err
}

func (s *Postgres) DeleteCampaign(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM message_logs WHERE campaign_id = $1`,
		`DELETE FROM contacts WHERE campaign_id = $1`,
		`DELETE FROM campaigns WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Postgres) ListCampaigns(ctx context.Context, userID int64, limit, offset int) ([]model.Campaign, error) {
	limit, offset = clampPage(limit, offset)
	var out []model.Campaign
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return out, err
}

func (s *Postgres) ListContacts(ctx context.Context, campaignID int64, status model.ContactStatus, limit, offset int) ([]model.Contact, error) {
	limit, offset = clampPage(limit, offset)
	query := `
		SELECT id, campaign_id, name, phone, email, category, extra_data,
		       status, error_message, sent_at
		FROM contacts
		WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT %d OFFSET %d`, limit, offset)

	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Contact, 0, len(rows))
	for _, row := range rows {
		c, err := row.toContact()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Postgres) ListMessageLogs(ctx context.Context, campaignID int64, status model.ContactStatus, limit, offset int) ([]model.MessageLog, error) {
	limit, offset = clampPage(limit, offset)
	query := `
		SELECT id, campaign_id, contact_id, contact_name, contact_phone,
		       status, error_message, message_sent, sent_at
		FROM message_logs
		WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY sent_at DESC LIMIT %d OFFSET %d`, limit, offset)

	var out []model.MessageLog
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (s *Postgres) CreateNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, campaign_id, kind, message, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, n.UserID, n.CampaignID, n.Kind, n.Message)
	return err
}

// DashboardStats aggregates the per-user numbers the dashboard shows.
type DashboardStats struct {
	TotalCampaigns    int `db:"total_campaigns" json:"totalCampaigns"`
	ActiveCampaigns   int `db:"active_campaigns" json:"activeCampaigns"`
	TotalMessagesSent int `db:"total_sent" json:"totalMessagesSent"`
}

func (s *Postgres) GetDashboardStats(ctx context.Context, userID int64) (DashboardStats, error) {
	var st DashboardStats
	err := s.db.GetContext(ctx, &st, `
		SELECT count(*)                                          AS total_campaigns,
		       count(*) FILTER (WHERE status = 'running')        AS active_campaigns,
		       COALESCE(sum(sent_count), 0)                      AS total_sent
		FROM campaigns
		WHERE user_id = $1
	`, userID)
	return st, err
}

type contactRow struct {
	model.Contact
	ExtraData []byte `db:"extra_data"`
}

func (r contactRow) toContact() (*model.Contact, error) {
	c := r.Contact
	if len(r.ExtraData) > 0 {
		if err := json.Unmarshal(r.ExtraData, &c.ExtraData); err != nil {
			return nil, fmt.Errorf("failed to decode extra_data for contact %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
