// Package worker contains the campaign dispatch loop and the registry that
// guarantees at most one loop per campaign.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pviana/lead-dispatcher/internal/cache"
	"github.com/pviana/lead-dispatcher/internal/gateway"
	"github.com/pviana/lead-dispatcher/internal/metrics"
	"github.com/pviana/lead-dispatcher/internal/model"
	"github.com/pviana/lead-dispatcher/internal/policy"
	"github.com/pviana/lead-dispatcher/internal/render"
	"github.com/pviana/lead-dispatcher/internal/sanitize"
	"github.com/pviana/lead-dispatcher/internal/store"
)

// Store is the persistence surface the dispatch loop needs. All durable
// state lives behind it; the worker re-reads after every suspension point so
// external pause/cancel requests and counter updates take effect.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	CampaignProgress(ctx context.Context, id int64) (store.Progress, error)
	SetCampaignStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	MarkCampaignCompleted(ctx context.Context, id int64) error
	NextPendingContact(ctx context.Context, campaignID int64) (*model.Contact, error)
	RecordDispatch(ctx context.Context, rec store.DispatchRecord) error
	CountMessagesSentToday(ctx context.Context, campaignID int64, dayStart time.Time) (int, error)
}

// Notifier fires best-effort user-facing events.
type Notifier interface {
	CampaignCompleted(ctx context.Context, c *model.Campaign)
	CampaignPaused(ctx context.Context, c *model.Campaign, reason string)
}

// Config tunes the loop's waiting behavior. Zero values get production
// defaults; tests shrink them.
type Config struct {
	// WindowRecheck is the sleep between window checks while blocked.
	WindowRecheck time.Duration
	// WindowIdleRecheck replaces WindowRecheck once the worker has been
	// blocked for over an hour, to reduce store load.
	WindowIdleRecheck time.Duration
	// MaxWindowWait is the cumulative wait budget outside the window before
	// the campaign is force-paused (stuck-worker fail-safe).
	MaxWindowWait time.Duration
	// CapRecheck is the chunk size while sleeping out a reached daily cap,
	// so the worker stays pausable and cancellable.
	CapRecheck time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowRecheck <= 0 {
		c.WindowRecheck = time.Minute
	}
	if c.WindowIdleRecheck <= 0 {
		c.WindowIdleRecheck = 5 * time.Minute
	}
	if c.MaxWindowWait <= 0 {
		c.MaxWindowWait = 24 * time.Hour
	}
	if c.CapRecheck <= 0 {
		c.CapRecheck = 5 * time.Minute
	}
	return c
}

type Worker struct {
	store    Store
	counter  cache.DailyCounter // optional fast path, may be nil
	notifier Notifier           // may be nil
	cfg      Config

	now     func() time.Time
	randInt func(min, max int) int
}

func New(s Store, counter cache.DailyCounter, notifier Notifier, cfg Config) *Worker {
	return &Worker{
		store:    s,
		counter:  counter,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		randInt:  randBetween,
	}
}

// Run executes the dispatch loop for one campaign until completion, external
// status change, cancellation, or failure. It never panics out: a recovered
// panic or loop error pauses the campaign; cancellation leaves the campaign
// status to its owner.
//
// Campaign settings (window, pacing, message template) are captured once at
// start; only status and pending count are re-read each iteration. Edits to
// the settings take effect on the next start.
func (w *Worker) Run(ctx context.Context, campaignID int64, gw gateway.Client) {
	log := slog.With("campaign_id", campaignID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch loop panic recovered", "panic", r)
			w.pauseOnError(campaignID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	campaign, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Error("failed to load campaign", "err", err)
		return
	}
	if campaign == nil {
		log.Error("campaign not found")
		return
	}

	log.Info("dispatch worker started")

	err = w.loop(ctx, campaign, gw, log)
	switch {
	case err == nil:
		log.Info("dispatch worker finished")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The canceller owns the status transition.
		log.Info("dispatch worker cancelled")
	default:
		log.Error("dispatch loop failed, pausing campaign", "err", err)
		w.pauseOnError(campaignID, err.Error())
	}
}

func (w *Worker) loop(ctx context.Context, c *model.Campaign, gw gateway.Client, log *slog.Logger) error {
	win := windowFor(c)
	var blocked time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progress, err := w.store.CampaignProgress(ctx, c.ID)
		if err != nil {
			return err
		}
		if progress.Status != model.CampaignRunning {
			log.Info("campaign no longer running, stopping worker", "status", progress.Status)
			return nil
		}

		now := w.now()

		if !win.Contains(now) {
			if blocked >= w.cfg.MaxWindowWait {
				log.Warn("window wait budget exhausted, pausing campaign", "blocked", blocked)
				w.pause(ctx, c.ID, "waited too long for the dispatch window")
				return nil
			}
			d := w.cfg.WindowRecheck
			if blocked >= time.Hour {
				d = w.cfg.WindowIdleRecheck
			}
			blocked += d
			log.Info("outside dispatch window, waiting", "recheck_in", d)
			if !sleepCtx(ctx, d) {
				return ctx.Err()
			}
			continue
		}
		blocked = 0

		if c.DailyLimit > 0 {
			sentToday, err := w.sentToday(ctx, c.ID, win, now)
			if err != nil {
				return err
			}
			if sentToday >= c.DailyLimit {
				untilReset := win.UntilNextDay(now)
				log.Info("daily limit reached, waiting for local midnight",
					"sent_today", sentToday, "limit", c.DailyLimit, "until_reset", untilReset)
				if err := w.waitDailyReset(ctx, c.ID, untilReset); err != nil {
					return err
				}
				continue
			}
		}

		contact, err := w.store.NextPendingContact(ctx, c.ID)
		if err != nil {
			return err
		}
		if contact == nil {
			if err := w.store.MarkCampaignCompleted(ctx, c.ID); err != nil {
				return err
			}
			log.Info("campaign completed, no pending contacts remain")
			w.notifyCompleted(ctx, c.ID)
			return nil
		}

		if err := w.dispatch(ctx, c, contact, gw, win, log); err != nil {
			return err
		}

		progress, err = w.store.CampaignProgress(ctx, c.ID)
		if err != nil {
			return err
		}
		if progress.PendingCount <= 0 {
			// Last contact: skip the pacing sleep, completion is detected on
			// the next iteration.
			continue
		}

		delay := w.pacingDelay(c)
		log.Info("pacing before next message", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// dispatch renders and sends one message, then persists the outcome
// atomically. A gateway failure is a contact-level error, not a loop error.
func (w *Worker) dispatch(ctx context.Context, c *model.Campaign, contact *model.Contact, gw gateway.Client, win policy.Window, log *slog.Logger) error {
	text := render.Message(c.MessageText, contactVars(contact))

	start := time.Now()
	sendErr := w.send(ctx, c, contact.Phone, text, gw)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Cancelled mid-send: exit without finalizing state.
		return ctx.Err()
	}

	rec := store.DispatchRecord{
		CampaignID:   c.ID,
		ContactID:    contact.ID,
		ContactName:  contact.Name,
		ContactPhone: contact.Phone,
		MessageSent:  text,
		SentAt:       w.now().UTC(),
	}

	if sendErr != nil {
		rec.Status = model.ContactError
		rec.ErrorMessage = sanitize.ErrorText(sendErr.Error())
		metrics.MessagesDispatched.WithLabelValues("error").Inc()
		log.Warn("send failed", "contact_id", contact.ID, "err", rec.ErrorMessage)
	} else {
		rec.Status = model.ContactSent
		metrics.MessagesDispatched.WithLabelValues("sent").Inc()
		log.Info("message sent", "contact_id", contact.ID, "phone", contact.Phone)
	}

	if err := w.store.RecordDispatch(ctx, rec); err != nil {
		return err
	}

	if sendErr == nil && w.counter != nil {
		day := win.DayStart(w.now()).Format("2006-01-02")
		if err := w.counter.Incr(ctx, c.ID, day); err != nil {
			log.Warn("failed to bump daily counter", "err", err)
		}
	}
	return nil
}

func (w *Worker) send(ctx context.Context, c *model.Campaign, phone, text string, gw gateway.Client) error {
	media := gateway.Media{URL: c.MediaURL, Base64: c.MediaBase64}
	switch c.MessageType {
	case model.MessageImage:
		return gw.SendImage(ctx, phone, text, media)
	case model.MessageDocument:
		return gw.SendDocument(ctx, phone, text, media, c.MediaFilename)
	default:
		return gw.SendText(ctx, phone, text)
	}
}

// sentToday prefers the cached counter and reseeds it from the store on a
// miss. The store count is authoritative.
func (w *Worker) sentToday(ctx context.Context, campaignID int64, win policy.Window, now time.Time) (int, error) {
	dayStart := win.DayStart(now)
	day := dayStart.Format("2006-01-02")

	if w.counter != nil {
		n, ok, err := w.counter.Get(ctx, campaignID, day)
		if err != nil {
			slog.Warn("daily counter read failed, falling back to store", "campaign_id", campaignID, "err", err)
		} else if ok {
			return n, nil
		}
	}

	n, err := w.store.CountMessagesSentToday(ctx, campaignID, dayStart)
	if err != nil {
		return 0, err
	}
	if w.counter != nil {
		if err := w.counter.Set(ctx, campaignID, day, n, win.UntilNextDay(now)); err != nil {
			slog.Warn("failed to seed daily counter", "campaign_id", campaignID, "err", err)
		}
	}
	return n, nil
}

// waitDailyReset sleeps out the rest of the tenant-local day in bounded
// chunks, bailing out early if the campaign stops being runnable.
func (w *Worker) waitDailyReset(ctx context.Context, campaignID int64, untilReset time.Duration) error {
	deadline := w.now().Add(untilReset)
	for {
		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			return nil
		}
		chunk := remaining
		if chunk > w.cfg.CapRecheck {
			chunk = w.cfg.CapRecheck
		}
		if !sleepCtx(ctx, chunk) {
			return ctx.Err()
		}
		progress, err := w.store.CampaignProgress(ctx, campaignID)
		if err != nil {
			return err
		}
		if progress.Status != model.CampaignRunning {
			return nil
		}
	}
}

func (w *Worker) pacingDelay(c *model.Campaign) time.Duration {
	return time.Duration(w.randInt(c.IntervalMin, c.IntervalMax)) * time.Second
}

// pause forces the campaign to paused with a user-facing reason. Best-effort.
func (w *Worker) pause(ctx context.Context, campaignID int64, reason string) {
	if err := w.store.SetCampaignStatus(ctx, campaignID, model.CampaignPaused); err != nil {
		slog.Error("failed to pause campaign", "campaign_id", campaignID, "err", err)
		return
	}
	if w.notifier != nil {
		c, err := w.store.GetCampaign(ctx, campaignID)
		if err == nil && c != nil {
			w.notifier.CampaignPaused(ctx, c, reason)
		}
	}
}

// pauseOnError runs on its own context: the loop context may already be dead.
func (w *Worker) pauseOnError(campaignID int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.pause(ctx, campaignID, sanitize.ErrorText(reason))
}

func (w *Worker) notifyCompleted(ctx context.Context, campaignID int64) {
	if w.notifier == nil {
		return
	}
	c, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil || c == nil {
		slog.Warn("could not load campaign for completion notification", "campaign_id", campaignID, "err", err)
		return
	}
	w.notifier.CampaignCompleted(ctx, c)
}

func windowFor(c *model.Campaign) policy.Window {
	return policy.Window{
		WorkingDays: policy.ParseWorkingDays(c.WorkingDays),
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		Location:    policy.LoadLocation(c.Timezone),
	}
}

func contactVars(c *model.Contact) map[string]string {
	vars := map[string]string{
		"nome":      c.Name,
		"name":      c.Name,
		"telefone":  c.Phone,
		"phone":     c.Phone,
		"email":     c.Email,
		"categoria": c.Category,
		"category":  c.Category,
	}
	for k, v := range c.ExtraData {
		vars[k] = v
	}
	return vars
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// randBetween returns a uniformly random int in [min, max] inclusive.
func randBetween(min, max int) int {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return min + rand.Intn(max-min+1)
}
