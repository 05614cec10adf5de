package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pviana/lead-dispatcher/internal/config"
	"github.com/pviana/lead-dispatcher/internal/gateway"
	"github.com/pviana/lead-dispatcher/internal/model"
	"github.com/pviana/lead-dispatcher/internal/store"
	"github.com/pviana/lead-dispatcher/internal/worker"
)

// Store is the persistence surface the API layer needs.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	UpdateCampaign(ctx context.Context, c *model.Campaign) error
	DeleteCampaign(ctx context.Context, id int64) error
	ListCampaigns(ctx context.Context, userID int64, limit, offset int) ([]model.Campaign, error)
	SetCampaignStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	MarkCampaignStarted(ctx context.Context, id int64) error
	ImportContacts(ctx context.Context, campaignID int64, contacts []model.Contact) (int, error)
	ListContacts(ctx context.Context, campaignID int64, status model.ContactStatus, limit, offset int) ([]model.Contact, error)
	ListMessageLogs(ctx context.Context, campaignID int64, status model.ContactStatus, limit, offset int) ([]model.MessageLog, error)
	ResetCampaign(ctx context.Context, campaignID int64) error
	GetDashboardStats(ctx context.Context, userID int64) (store.DashboardStats, error)
}

// Registry controls the per-campaign dispatch loops.
type Registry interface {
	Start(campaignID int64, gw gateway.Client) error
	Stop(campaignID int64) bool
	IsRunning(campaignID int64) bool
}

type Handler struct {
	store      Store
	registry   Registry
	defaultGW  config.GatewayConfig
	newGateway func(url, apiKey, session string) gateway.Client
}

func NewHandler(s Store, reg Registry, gw config.GatewayConfig) *Handler {
	return &Handler{
		store:     s,
		registry:  reg,
		defaultGW: gw,
		newGateway: func(url, apiKey, session string) gateway.Client {
			return gateway.NewWaha(url, apiKey, session)
		},
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c model.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCampaign(&c); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.CreateCampaign(r.Context(), &c); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := parseInt64(r.URL.Query().Get("userId"), 0)
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	campaigns, err := h.store.ListCampaigns(r.Context(), userID, limit, offset)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]map[string]any, 0, len(campaigns))
	for i := range campaigns {
		items = append(items, h.campaignView(&campaigns[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.campaignView(c))
}

func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	var in model.Campaign
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in.ID = c.ID
	if err := validateCampaign(&in); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateCampaign(r.Context(), &in); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := h.store.GetCampaign(r.Context(), c.ID)
	if err != nil || updated == nil {
		httpError(w, http.StatusInternalServerError, "failed to reload campaign")
		return
	}
	writeJSON(w, http.StatusOK, h.campaignView(updated))
}

func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	h.registry.Stop(c.ID)
	if err := h.store.DeleteCampaign(r.Context(), c.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type startRequest struct {
	WahaURL    string `json:"wahaUrl"`
	APIKey     string `json:"apiKey"`
	Session    string `json:"session"`
	SkipVerify bool   `json:"skipVerify"`
}

// StartCampaign validates the campaign and the gateway session, marks the
// campaign running and spawns its dispatch loop. The worker owns the
// running->completed and running->paused-on-error transitions from here on.
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	if h.registry.IsRunning(c.ID) {
		httpError(w, http.StatusConflict, "campaign is already dispatching")
		return
	}
	if c.TotalContacts == 0 {
		httpError(w, http.StatusBadRequest, "campaign has no contacts, import them first")
		return
	}
	if c.Status == model.CampaignCompleted || c.Status == model.CampaignCancelled {
		httpError(w, http.StatusConflict, fmt.Sprintf("campaign is %s, reset it before starting", c.Status))
		return
	}

	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	gwURL, gwKey, gwSession := h.defaultGW.URL, h.defaultGW.APIKey, h.defaultGW.Session
	if req.WahaURL != "" {
		gwURL, gwKey, gwSession = req.WahaURL, req.APIKey, req.Session
	}
	if gwURL == "" {
		httpError(w, http.StatusBadRequest, "no gateway configured")
		return
	}

	gw := h.newGateway(gwURL, gwKey, gwSession)
	if !req.SkipVerify {
		status := gw.CheckConnection(r.Context())
		if !status.Connected {
			httpError(w, http.StatusBadGateway, fmt.Sprintf("gateway not connected: %s", status.Status))
			return
		}
	}

	if err := h.store.MarkCampaignStarted(r.Context(), c.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.registry.Start(c.ID, gw); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			httpError(w, http.StatusConflict, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PauseCampaign and CancelCampaign stop the loop first, then set the status:
// the caller of stop owns the resulting status, not the worker.
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.stopWithStatus(w, r, model.CampaignPaused)
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.stopWithStatus(w, r, model.CampaignCancelled)
}

func (h *Handler) stopWithStatus(w http.ResponseWriter, r *http.Request, status model.CampaignStatus) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	h.registry.Stop(c.ID)
	if err := h.store.SetCampaignStatus(r.Context(), c.ID, status); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

func (h *Handler) ResetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	h.registry.Stop(c.ID)
	if err := h.store.ResetCampaign(r.Context(), c.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ImportContacts replaces the campaign's contact list from an uploaded CSV.
// Column matching is case-insensitive with common Portuguese/English aliases;
// unmapped columns are kept as template variables.
func (h *Handler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	if h.registry.IsRunning(c.ID) {
		httpError(w, http.StatusConflict, "stop the campaign before importing contacts")
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contacts, skipped, err := parseContactsCSV(file, c.ID,
		r.FormValue("phone_column"), r.FormValue("name_column"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(contacts) == 0 {
		httpError(w, http.StatusBadRequest, "no valid contacts found in file")
		return
	}

	imported, err := h.store.ImportContacts(r.Context(), c.ID, contacts)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"totalImported": imported,
		"skipped":       skipped,
	})
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	status := model.ContactStatus(r.URL.Query().Get("status"))
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	contacts, err := h.store.ListContacts(r.Context(), c.ID, status, limit, offset)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": contacts})
}

func (h *Handler) ListMessageLogs(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	status := model.ContactStatus(r.URL.Query().Get("status"))
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	logs, err := h.store.ListMessageLogs(r.Context(), c.ID, status, limit, offset)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.defaultGW.URL == "" {
		httpError(w, http.StatusBadRequest, "no gateway configured")
		return
	}
	gw := h.newGateway(h.defaultGW.URL, h.defaultGW.APIKey, h.defaultGW.Session)
	writeJSON(w, http.StatusOK, gw.CheckConnection(r.Context()))
}

func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	userID := parseInt64(r.URL.Query().Get("userId"), 0)
	stats, err := h.store.GetDashboardStats(r.Context(), userID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) loadCampaign(w http.ResponseWriter, r *http.Request) (*model.Campaign, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid campaign id")
		return nil, false
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if c == nil {
		httpError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}

func (h *Handler) campaignView(c *model.Campaign) map[string]any {
	return map[string]any{
		"campaign":        c,
		"progressPercent": c.ProgressPercent(),
		"isWorkerRunning": h.registry.IsRunning(c.ID),
	}
}

func validateCampaign(c *model.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(c.MessageText) == "" {
		return fmt.Errorf("messageText is required")
	}
	switch c.MessageType {
	case "", model.MessageText:
		c.MessageType = model.MessageText
	case model.MessageImage, model.MessageDocument:
		if c.MediaURL == "" && c.MediaBase64 == "" {
			return fmt.Errorf("media is required for %s campaigns", c.MessageType)
		}
	default:
		return fmt.Errorf("unknown message type %q", c.MessageType)
	}
	if c.IntervalMin < 0 || c.IntervalMax < c.IntervalMin {
		return fmt.Errorf("invalid interval range [%d, %d]", c.IntervalMin, c.IntervalMax)
	}
	if c.DailyLimit < 0 {
		return fmt.Errorf("dailyLimit must be >= 0")
	}
	return nil
}

var (
	phoneAliases = []string{"telefone", "phone", "tel", "celular", "whatsapp"}
	nameAliases  = []string{"nome", "name", "empresa", "company"}
)

func parseContactsCSV(r io.Reader, campaignID int64, phoneColumn, nameColumn string) ([]model.Contact, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	phoneIdx := findColumn(header, phoneColumn, phoneAliases)
	if phoneIdx < 0 {
		return nil, 0, fmt.Errorf("phone column not found, available columns: %s", strings.Join(header, ", "))
	}
	nameIdx := findColumn(header, nameColumn, nameAliases)

	var (
		contacts []model.Contact
		skipped  int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read CSV row: %w", err)
		}

		phone := strings.TrimSpace(field(record, phoneIdx))
		if phone == "" {
			skipped++
			continue
		}
		name := strings.TrimSpace(field(record, nameIdx))
		if name == "" {
			name = "Sem nome"
		}

		extra := map[string]string{}
		for i, col := range header {
			if i == phoneIdx || i == nameIdx {
				continue
			}
			if v := strings.TrimSpace(field(record, i)); v != "" {
				extra[col] = v
			}
		}

		contacts = append(contacts, model.Contact{
			CampaignID: campaignID,
			Name:       name,
			Phone:      phone,
			Email:      pickExtra(extra, "email"),
			Category:   pickExtra(extra, "categoria", "category"),
			ExtraData:  extra,
			Status:     model.ContactPending,
		})
	}
	return contacts, skipped, nil
}

// findColumn matches the requested column name or any alias,
// case-insensitively.
func findColumn(header []string, requested string, aliases []string) int {
	requested = strings.ToLower(strings.TrimSpace(requested))
	for i, col := range header {
		lower := strings.ToLower(col)
		if requested != "" && strings.Contains(lower, requested) {
			return i
		}
		for _, alias := range aliases {
			if lower == alias {
				return i
			}
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func pickExtra(extra map[string]string, keys ...string) string {
	for k, v := range extra {
		lower := strings.ToLower(k)
		for _, want := range keys {
			if lower == want {
				return v
			}
		}
	}
	return ""
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
