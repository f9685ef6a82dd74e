package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"

	"kiroproxy/credential"
)

// defaultPayload is the JSON body posted when no template is configured.
type defaultPayload struct {
	Event                string `json:"event"`
	CredentialID         int64  `json:"credential_id"`
	Reason               string `json:"reason"`
	Timestamp            string `json:"timestamp"`
	Email                string `json:"email,omitempty"`
	AvailableCredentials int    `json:"available_credentials"`
	TotalCredentials     int    `json:"total_credentials"`
}

// TestWebhook posts a synthetic disable event to the given URL and waits
// for the result. The admin config test endpoint passes the candidate
// settings rather than the saved ones.
func TestWebhook(url, template string) error {
	m := &Manager{client: &http.Client{Timeout: sendTimeout}}
	return m.sendWebhook(url, template, Event{
		CredentialID: 0,
		Reason:       credential.ReasonTooManyFailures,
		Email:        "test@example.com",
		Available:    2,
		Total:        3,
		Time:         time.Now(),
	})
}

func (m *Manager) sendWebhook(url, template string, ev Event) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(renderWebhook(template, ev)))
	if err != nil {
		return serr.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return serr.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return serr.New("webhook returned "+resp.Status, "body", string(snippet))
	}
	return nil
}

// renderWebhook fills a custom template's placeholders, or falls back to
// the built-in payload when no template is configured.
func renderWebhook(template string, ev Event) []byte {
	ts := ev.Time.UTC().Format(time.RFC3339)

	if strings.TrimSpace(template) != "" {
		r := strings.NewReplacer(
			"{{credential_id}}", strconv.FormatInt(ev.CredentialID, 10),
			"{{email}}", ev.Email,
			"{{reason}}", ev.Reason,
			"{{available}}", strconv.Itoa(ev.Available),
			"{{total}}", strconv.Itoa(ev.Total),
			"{{timestamp}}", ts,
		)
		return []byte(r.Replace(template))
	}

	payload := defaultPayload{
		Event:                "credential_disabled",
		CredentialID:         ev.CredentialID,
		Reason:               ev.Reason,
		Timestamp:            ts,
		Email:                ev.Email,
		AvailableCredentials: ev.Available,
		TotalCredentials:     ev.Total,
	}
	b, _ := json.Marshal(payload)
	return b
}
