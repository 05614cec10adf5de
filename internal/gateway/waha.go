package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	statusTimeout = 10 * time.Second
	textTimeout   = 30 * time.Second
	mediaTimeout  = 60 * time.Second
)

// Waha is the HTTP client for a WAHA (WhatsApp HTTP API) instance.
type Waha struct {
	baseURL string
	apiKey  string
	session string
	client  *http.Client
}

func NewWaha(baseURL, apiKey, session string) *Waha {
	if session == "" {
		session = "default"
	}
	return &Waha{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		session: session,
		// Per-call deadlines are set via context; this is a backstop.
		client: &http.Client{Timeout: mediaTimeout},
	}
}

func (w *Waha) CheckConnection(ctx context.Context) ConnectionStatus {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/sessions/%s", w.baseURL, w.session), nil)
	if err != nil {
		return ConnectionStatus{Connected: false, Status: "error", Error: err.Error()}
	}
	w.setHeaders(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return ConnectionStatus{Connected: false, Status: "connection_error", Error: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return ConnectionStatus{Connected: false, Status: "error", Error: "failed to decode session status"}
		}
		return ConnectionStatus{Connected: true, Status: body.Status}
	case http.StatusNotFound:
		return ConnectionStatus{Connected: false, Status: "session_not_found", Error: "session not found"}
	default:
		return ConnectionStatus{Connected: false, Status: "error", Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
}

func (w *Waha) SendText(ctx context.Context, phone, text string) error {
	payload := map[string]any{
		"chatId":  chatID(phone),
		"text":    text,
		"session": w.session,
	}
	return w.post(ctx, "/api/sendText", payload, textTimeout)
}

func (w *Waha) SendImage(ctx context.Context, phone, caption string, media Media) error {
	file, err := mediaPayload(media, "")
	if err != nil {
		return err
	}
	payload := map[string]any{
		"chatId":  chatID(phone),
		"caption": caption,
		"session": w.session,
		"file":    file,
	}
	return w.post(ctx, "/api/sendImage", payload, mediaTimeout)
}

func (w *Waha) SendDocument(ctx context.Context, phone, caption string, media Media, filename string) error {
	if filename == "" {
		filename = "document"
	}
	file, err := mediaPayload(media, filename)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"chatId":  chatID(phone),
		"caption": caption,
		"session": w.session,
		"file":    file,
	}
	return w.post(ctx, "/api/sendFile", payload, mediaTimeout)
}

func (w *Waha) post(ctx context.Context, path string, payload any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	w.setHeaders(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("gateway rejected send: %s", apiErr.Message)
	}
	return fmt.Errorf("gateway rejected send: HTTP %d", resp.StatusCode)
}

func (w *Waha) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", w.apiKey)
}

func chatID(phone string) string {
	return NormalizePhone(phone) + "@c.us"
}

func mediaPayload(media Media, filename string) (map[string]any, error) {
	file := map[string]any{}
	if filename != "" {
		file["filename"] = filename
	}
	switch {
	case media.URL != "":
		file["url"] = media.URL
	case media.Base64 != "":
		file["data"] = media.Base64
	default:
		return nil, fmt.Errorf("no media provided")
	}
	return file, nil
}
