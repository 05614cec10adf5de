package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pviana/lead-dispatcher/internal/model"
)

type fakeSink struct {
	rows []model.Notification
	err  error
}

func (s *fakeSink) CreateNotification(ctx context.Context, n model.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, n)
	return nil
}

func testCampaign() *model.Campaign {
	return &model.Campaign{
		ID:         4,
		UserID:     12,
		Name:       "Promo",
		SentCount:  9,
		ErrorCount: 1,
	}
}

func TestNotifier_CampaignCompleted(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	n := New(sink, nil)

	n.CampaignCompleted(context.Background(), testCampaign())

	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 notification row, got %d", len(sink.rows))
	}
	row := sink.rows[0]
	if row.Kind != "campaign_completed" || row.UserID != 12 || row.CampaignID != 4 {
		t.Fatalf("unexpected notification: %+v", row)
	}
	if !strings.Contains(row.Message, "9 sent") || !strings.Contains(row.Message, "1 errors") {
		t.Fatalf("expected counts in message, got %q", row.Message)
	}
}

func TestNotifier_CampaignPaused(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	n := New(sink, nil)

	n.CampaignPaused(context.Background(), testCampaign(), "waited too long for the dispatch window")

	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 notification row, got %d", len(sink.rows))
	}
	if sink.rows[0].Kind != "campaign_paused" {
		t.Fatalf("expected campaign_paused kind, got %q", sink.rows[0].Kind)
	}
	if !strings.Contains(sink.rows[0].Message, "waited too long") {
		t.Fatalf("expected reason in message, got %q", sink.rows[0].Message)
	}
}

func TestNotifier_SinkFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: errors.New("insert failed")}
	n := New(sink, nil)

	// Must not panic or propagate; failures here are log-only.
	n.CampaignCompleted(context.Background(), testCampaign())
}

func TestEventPublisher_CloseNilSafe(t *testing.T) {
	t.Parallel()

	var p *EventPublisher
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil publisher Close to be a no-op, got %v", err)
	}
}
