// Package gateway talks to the outbound messaging transport that delivers
// rendered messages to a phone number.
package gateway

import (
	"context"
	"regexp"
	"strings"
)

// ConnectionStatus describes the transport session state.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Media references an attachment either by URL or inline base64 payload.
type Media struct {
	URL    string
	Base64 string
}

// Client is the send-capable transport the dispatch worker depends on.
// Every call carries its own bounded timeout; a timeout or non-2xx reply is
// returned as an error, never a panic.
type Client interface {
	CheckConnection(ctx context.Context) ConnectionStatus
	SendText(ctx context.Context, phone, text string) error
	SendImage(ctx context.Context, phone, caption string, media Media) error
	SendDocument(ctx context.Context, phone, caption string, media Media, filename string) error
}

var nonDigitRe = regexp.MustCompile(`\D`)

// NormalizePhone reduces a phone number to digits with a country code:
// non-digits stripped, a leading 0 dropped, country code 55 prepended when
// absent.
func NormalizePhone(phone string) string {
	digits := nonDigitRe.ReplaceAllString(phone, "")
	digits = strings.TrimPrefix(digits, "0")
	if !strings.HasPrefix(digits, "55") {
		digits = "55" + digits
	}
	return digits
}
