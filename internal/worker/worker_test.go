package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pviana/lead-dispatcher/internal/gateway"
	"github.com/pviana/lead-dispatcher/internal/model"
	"github.com/pviana/lead-dispatcher/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	campaign *model.Campaign
	contacts []*model.Contact
	logs     []store.DispatchRecord

	sentTodayFn   func(dayStart time.Time) int
	onProgress    func(s *fakeStore, call int)
	progressCalls int
	panicNext     bool

	invariantViolation string
}

func (s *fakeStore) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.campaign == nil || s.campaign.ID != id {
		return nil, nil
	}
	c := *s.campaign
	return &c, nil
}

func (s *fakeStore) CampaignProgress(ctx context.Context, id int64) (store.Progress, error) {
	s.mu.Lock()
	s.progressCalls++
	call := s.progressCalls
	hook := s.onProgress
	s.mu.Unlock()

	if hook != nil {
		hook(s, call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Progress{Status: s.campaign.Status, PendingCount: s.campaign.PendingCount}, nil
}

func (s *fakeStore) SetCampaignStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaign.Status = status
	return nil
}

func (s *fakeStore) MarkCampaignCompleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.campaign.Status = model.CampaignCompleted
	s.campaign.CompletedAt = &now
	return nil
}

func (s *fakeStore) NextPendingContact(ctx context.Context, campaignID int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicNext {
		panic("store exploded")
	}
	for _, c := range s.contacts {
		if c.Status == model.ContactPending {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RecordDispatch(ctx context.Context, rec store.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contacts {
		if c.ID == rec.ContactID {
			c.Status = rec.Status
			c.ErrorMessage = rec.ErrorMessage
			at := rec.SentAt
			c.SentAt = &at
		}
	}
	s.logs = append(s.logs, rec)

	if rec.Status == model.ContactSent {
		s.campaign.SentCount++
	} else {
		s.campaign.ErrorCount++
	}
	if s.campaign.PendingCount > 0 {
		s.campaign.PendingCount--
	}

	sum := s.campaign.SentCount + s.campaign.ErrorCount + s.campaign.PendingCount
	if sum != s.campaign.TotalContacts || s.campaign.PendingCount < 0 {
		s.invariantViolation = fmt.Sprintf(
			"sent=%d error=%d pending=%d total=%d",
			s.campaign.SentCount, s.campaign.ErrorCount, s.campaign.PendingCount, s.campaign.TotalContacts)
	}
	return nil
}

func (s *fakeStore) CountMessagesSentToday(ctx context.Context, campaignID int64, dayStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentTodayFn != nil {
		return s.sentTodayFn(dayStart), nil
	}
	return 0, nil
}

func (s *fakeStore) snapshot() model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaign
}

type fakeGateway struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
	onSend  func(call int)
}

func (g *fakeGateway) CheckConnection(ctx context.Context) gateway.ConnectionStatus {
	return gateway.ConnectionStatus{Connected: true, Status: "WORKING"}
}

func (g *fakeGateway) send(phone string) error {
	g.mu.Lock()
	g.sent = append(g.sent, phone)
	call := len(g.sent)
	hook := g.onSend
	err := g.failFor[phone]
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (g *fakeGateway) SendText(ctx context.Context, phone, text string) error {
	return g.send(phone)
}

func (g *fakeGateway) SendImage(ctx context.Context, phone, caption string, media gateway.Media) error {
	return g.send(phone)
}

func (g *fakeGateway) SendDocument(ctx context.Context, phone, caption string, media gateway.Media, filename string) error {
	return g.send(phone)
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []int64
	paused    []string
}

func (n *fakeNotifier) CampaignCompleted(ctx context.Context, c *model.Campaign) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, c.ID)
}

func (n *fakeNotifier) CampaignPaused(ctx context.Context, c *model.Campaign, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = append(n.paused, reason)
}

func testCampaign(contacts int) (*model.Campaign, []*model.Contact) {
	c := &model.Campaign{
		ID:            1,
		UserID:        10,
		Name:          "test",
		Status:        model.CampaignRunning,
		MessageType:   model.MessageText,
		MessageText:   "Olá {nome}",
		IntervalMin:   1,
		IntervalMax:   1,
		WorkingDays:   "0,1,2,3,4,5,6",
		Timezone:      "UTC",
		TotalContacts: contacts,
		PendingCount:  contacts,
	}
	var cs []*model.Contact
	for i := 1; i <= contacts; i++ {
		cs = append(cs, &model.Contact{
			ID:         int64(i),
			CampaignID: 1,
			Name:       fmt.Sprintf("Contact %d", i),
			Phone:      fmt.Sprintf("551190000000%d", i),
			Status:     model.ContactPending,
		})
	}
	return c, cs
}

func testWorker(s *fakeStore, n Notifier) *Worker {
	w := New(s, nil, n, Config{
		WindowRecheck:     time.Millisecond,
		WindowIdleRecheck: 2 * time.Millisecond,
		MaxWindowWait:     4 * time.Millisecond,
		CapRecheck:        time.Millisecond,
	})
	// No pacing in tests.
	w.randInt = func(min, max int) int { return 0 }
	return w
}

func TestWorker_CompletesAllContacts(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	s := &fakeStore{campaign: campaign, contacts: contacts}
	gw := &fakeGateway{}
	n := &fakeNotifier{}

	testWorker(s, n).Run(context.Background(), 1, gw)

	got := s.snapshot()
	if got.Status != model.CampaignCompleted {
		t.Fatalf("expected status completed, got %s", got.Status)
	}
	if got.SentCount != 3 || got.ErrorCount != 0 || got.PendingCount != 0 {
		t.Fatalf("expected counters 3/0/0, got %d/%d/%d", got.SentCount, got.ErrorCount, got.PendingCount)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if len(s.logs) != 3 {
		t.Fatalf("expected 3 message logs, got %d", len(s.logs))
	}
	if s.invariantViolation != "" {
		t.Fatalf("counter invariant violated: %s", s.invariantViolation)
	}
	if gw.sendCount() != 3 {
		t.Fatalf("expected 3 sends, got %d", gw.sendCount())
	}
	if len(n.completed) != 1 || n.completed[0] != 1 {
		t.Fatalf("expected completion notification for campaign 1, got %v", n.completed)
	}
}

func TestWorker_RendersContactVariables(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(1)
	contacts[0].Name = "Maria"
	s := &fakeStore{campaign: campaign, contacts: contacts}
	gw := &fakeGateway{}

	testWorker(s, nil).Run(context.Background(), 1, gw)

	if len(s.logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(s.logs))
	}
	if s.logs[0].MessageSent != "Olá Maria" {
		t.Fatalf("expected rendered message, got %q", s.logs[0].MessageSent)
	}
}

func TestWorker_RecordsSendFailureAndContinues(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	s := &fakeStore{campaign: campaign, contacts: contacts}
	gw := &fakeGateway{failFor: map[string]error{
		contacts[1].Phone: fmt.Errorf("POST https://waha.internal/api/sendText: timeout"),
	}}
	n := &fakeNotifier{}

	testWorker(s, n).Run(context.Background(), 1, gw)

	got := s.snapshot()
	if got.Status != model.CampaignCompleted {
		t.Fatalf("expected campaign still completed, got %s", got.Status)
	}
	if got.SentCount != 2 || got.ErrorCount != 1 || got.PendingCount != 0 {
		t.Fatalf("expected counters 2/1/0, got %d/%d/%d", got.SentCount, got.ErrorCount, got.PendingCount)
	}

	failed := contacts[1]
	if failed.Status != model.ContactError {
		t.Fatalf("expected contact error status, got %s", failed.Status)
	}
	if failed.ErrorMessage == "" {
		t.Fatalf("expected a sanitized error message")
	}
	if strings.Contains(failed.ErrorMessage, "waha.internal") {
		t.Fatalf("expected URL redacted from error, got %q", failed.ErrorMessage)
	}
	if s.invariantViolation != "" {
		t.Fatalf("counter invariant violated: %s", s.invariantViolation)
	}
}

func TestWorker_CancelledMidLoop(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	s := &fakeStore{campaign: campaign, contacts: contacts}

	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{onSend: func(call int) {
		if call == 2 {
			cancel()
		}
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		testWorker(s, nil).Run(ctx, 1, gw)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after cancellation")
	}

	got := s.snapshot()
	// The canceller owns the status transition; the worker must not touch it.
	if got.Status != model.CampaignRunning {
		t.Fatalf("expected status left as running, got %s", got.Status)
	}
	// First contact committed, second send was in flight and never finalized.
	if len(s.logs) != 1 {
		t.Fatalf("expected exactly 1 committed dispatch, got %d", len(s.logs))
	}
	if got.PendingCount != 2 {
		t.Fatalf("expected 2 contacts still pending, got %d", got.PendingCount)
	}
}

func TestWorker_ExternalPauseObserved(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	campaign.Status = model.CampaignPaused
	s := &fakeStore{campaign: campaign, contacts: contacts}
	gw := &fakeGateway{}

	testWorker(s, nil).Run(context.Background(), 1, gw)

	if gw.sendCount() != 0 {
		t.Fatalf("expected no sends for a paused campaign, got %d", gw.sendCount())
	}
	if s.snapshot().Status != model.CampaignPaused {
		t.Fatalf("expected status unchanged")
	}
}

func TestWorker_DailyCapBlocksDispatch(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	campaign.DailyLimit = 2
	s := &fakeStore{
		campaign:    campaign,
		contacts:    contacts,
		sentTodayFn: func(time.Time) int { return 2 },
	}
	// Let the worker spin through a few cap-wait chunks, then pause it
	// externally so the test terminates.
	s.onProgress = func(fs *fakeStore, call int) {
		if call >= 4 {
			fs.mu.Lock()
			fs.campaign.Status = model.CampaignPaused
			fs.mu.Unlock()
		}
	}
	gw := &fakeGateway{}

	w := testWorker(s, nil)
	w.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	w.Run(context.Background(), 1, gw)

	if gw.sendCount() != 0 {
		t.Fatalf("expected no dispatch beyond the daily cap, got %d sends", gw.sendCount())
	}
}

func TestWorker_DailyCapRollsOverAtLocalMidnight(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(1)
	campaign.DailyLimit = 2

	var (
		clockMu sync.Mutex
		clock   = time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	)
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	s := &fakeStore{campaign: campaign, contacts: contacts}
	s.sentTodayFn = func(dayStart time.Time) int {
		if dayStart.Day() == 2 {
			return 2 // cap reached for March 2nd
		}
		return 0
	}
	// Each status re-check during the cap wait advances the fake clock by
	// 30s; two checks cross local midnight.
	s.onProgress = func(fs *fakeStore, call int) {
		clockMu.Lock()
		clock = clock.Add(30 * time.Second)
		clockMu.Unlock()
	}
	gw := &fakeGateway{}

	w := testWorker(s, nil)
	w.now = now
	w.Run(context.Background(), 1, gw)

	got := s.snapshot()
	if got.Status != model.CampaignCompleted {
		t.Fatalf("expected completion after the day rolled over, got %s", got.Status)
	}
	if gw.sendCount() != 1 {
		t.Fatalf("expected 1 send after rollover, got %d", gw.sendCount())
	}
}

func TestWorker_OutsideWindowPausesAfterBudget(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(3)
	campaign.StartTime = "10:00"
	campaign.EndTime = "11:00"
	s := &fakeStore{campaign: campaign, contacts: contacts}
	gw := &fakeGateway{}
	n := &fakeNotifier{}

	w := testWorker(s, n)
	w.now = func() time.Time { return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) }
	w.Run(context.Background(), 1, gw)

	if gw.sendCount() != 0 {
		t.Fatalf("expected no sends outside the window, got %d", gw.sendCount())
	}
	if got := s.snapshot().Status; got != model.CampaignPaused {
		t.Fatalf("expected forced pause after wait budget, got %s", got)
	}
	if len(n.paused) != 1 {
		t.Fatalf("expected a pause notification, got %v", n.paused)
	}
}

func TestWorker_PanicPausesCampaign(t *testing.T) {
	t.Parallel()

	campaign, contacts := testCampaign(1)
	s := &fakeStore{campaign: campaign, contacts: contacts, panicNext: true}
	gw := &fakeGateway{}
	n := &fakeNotifier{}

	testWorker(s, n).Run(context.Background(), 1, gw)

	if got := s.snapshot().Status; got != model.CampaignPaused {
		t.Fatalf("expected campaign paused after panic, got %s", got)
	}
	if len(n.paused) != 1 {
		t.Fatalf("expected a pause notification, got %v", n.paused)
	}
}

func TestWorker_MissingCampaign(t *testing.T) {
	t.Parallel()

	s := &fakeStore{campaign: &model.Campaign{ID: 99, Status: model.CampaignRunning}}
	gw := &fakeGateway{}

	// Must terminate quietly; nothing to assert beyond not hanging.
	testWorker(s, nil).Run(context.Background(), 1, gw)

	if gw.sendCount() != 0 {
		t.Fatalf("expected no sends, got %d", gw.sendCount())
	}
}

func TestRandBetween_InclusiveBounds(t *testing.T) {
	t.Parallel()

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		v := randBetween(1, 3)
		if v < 1 || v > 3 {
			t.Fatalf("expected value in [1,3], got %d", v)
		}
		seen[v] = true
	}
	if !seen[1] || !seen[3] {
		t.Fatalf("expected inclusive bounds to be reachable, got %v", seen)
	}

	if v := randBetween(5, 5); v != 5 {
		t.Fatalf("expected degenerate range to return 5, got %d", v)
	}
	if v := randBetween(-3, -1); v != 0 {
		t.Fatalf("expected negative range clamped to 0, got %d", v)
	}
}
