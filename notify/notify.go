// Package notify fans credential disable events out to the configured
// email and webhook sinks. Notify never blocks the caller; a bounded
// queue feeds one background loop so a slow SMTP server cannot stall
// request handling.
package notify

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rohanthewiz/logger"

	"kiroproxy/config"
)

const (
	// eventBuffer bounds the queue so sink outages cannot pile up
	// unbounded memory.
	eventBuffer = 64

	// sendTimeout bounds one webhook POST or SMTP dial.
	sendTimeout = 10 * time.Second
)

// Event describes a credential transitioning to disabled.
type Event struct {
	CredentialID int64
	Reason       string
	Email        string
	Available    int
	Total        int
	Time         time.Time
}

// Manager owns the notification queue. Create with NewManager, hand
// events to Notify, and Stop during shutdown to drain what is queued.
type Manager struct {
	events chan Event
	done   chan struct{}
	client *http.Client
}

// NewManager starts the background delivery loop. Sink settings are read
// from the live configuration per event, so admin config changes take
// effect without a restart.
func NewManager() *Manager {
	m := &Manager{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		client: &http.Client{Timeout: sendTimeout},
	}
	go m.run()
	return m
}

// Notify queues an event without blocking. When the queue is full the
// event is dropped with a warning; notifications are best-effort.
func (m *Manager) Notify(ev Event) {
	select {
	case m.events <- ev:
	default:
		logger.Warn("Notification dropped, queue full", "credential", ev.CredentialID, "reason", ev.Reason)
	}
}

// Stop closes the queue and waits for queued events to be delivered.
func (m *Manager) Stop() {
	close(m.events)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for ev := range m.events {
		m.dispatch(ev)
	}
	logger.Debug("Notification loop exited")
}

func (m *Manager) dispatch(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	cfg := config.Get()

	if cfg.WebhookURL != "" {
		if err := m.sendWebhook(cfg.WebhookURL, cfg.WebhookBody, ev); err != nil {
			logger.LogErr(err, "webhook notification failed",
				"credential", strconv.FormatInt(ev.CredentialID, 10))
		} else {
			logger.Info("Webhook notification sent", "credential", ev.CredentialID, "reason", ev.Reason)
		}
	}

	if cfg.Email.Enabled {
		subject, body := emailContent(ev)
		if err := sendMailRetry(cfg.Email, subject, body); err != nil {
			logger.LogErr(err, "email notification failed",
				"credential", strconv.FormatInt(ev.CredentialID, 10))
		} else {
			logger.Info("Email notification sent", "credential", ev.CredentialID,
				"recipients", len(cfg.Email.ToAddresses))
		}
	}
}
