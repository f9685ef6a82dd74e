package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"kiroproxy/config"
	"kiroproxy/credential"
)

// mailRetries is how many times one event's email is attempted before
// giving up. Waits of 1s then 2s separate the attempts.
const mailRetries = 3

// smtpSessionTimeout bounds the whole SMTP conversation including TLS
// negotiation and per-recipient sends.
const smtpSessionTimeout = 30 * time.Second

// TestEmail sends a test message with the given settings and waits for
// the result. The admin config test endpoint passes the saved settings,
// so a test exercises exactly what a real disable event would use.
func TestEmail(cfg config.EmailConfig) error {
	subject := "kiroproxy: test message"
	body := "This is a test message from kiroproxy.\n\nIf you received it, the SMTP notification settings work."
	return sendMail(cfg, subject, body)
}

func sendMailRetry(cfg config.EmailConfig, subject, body string) error {
	var err error
	for attempt := 1; attempt <= mailRetries; attempt++ {
		err = sendMail(cfg, subject, body)
		if err == nil {
			return nil
		}
		logger.Warn("Email send attempt failed", "attempt", attempt, "of", mailRetries, "error", err.Error())
		if attempt < mailRetries {
			time.Sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
	return err
}

func sendMail(cfg config.EmailConfig, subject, body string) error {
	if cfg.SMTPHost == "" {
		return serr.New("smtp host is not configured")
	}
	if cfg.FromAddress == "" {
		return serr.New("email fromAddress is not configured")
	}
	if len(cfg.ToAddresses) == 0 {
		return serr.New("email toAddresses is empty")
	}

	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))
	conn, err := net.DialTimeout("tcp", addr, sendTimeout)
	if err != nil {
		return serr.Wrap(err, "failed to connect to smtp server", "addr", addr)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(smtpSessionTimeout))

	c, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		return serr.Wrap(err, "smtp handshake failed", "addr", addr)
	}
	defer c.Close()

	if cfg.SMTPTLS {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
			return serr.Wrap(err, "smtp starttls failed", "host", cfg.SMTPHost)
		}
	}
	if cfg.SMTPUsername != "" {
		auth := smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
		if err := c.Auth(auth); err != nil {
			return serr.Wrap(err, "smtp auth failed", "username", cfg.SMTPUsername)
		}
	}

	for _, to := range cfg.ToAddresses {
		if err := sendOne(c, cfg.FromAddress, to, subject, body); err != nil {
			return serr.Wrap(err, "failed to send email", "to", to)
		}
	}
	return c.Quit()
}

// sendOne runs one MAIL/RCPT/DATA transaction on an open session.
func sendOne(c *smtp.Client, from, to, subject, body string) error {
	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	if _, err := w.Write([]byte(sb.String())); err != nil {
		return err
	}
	return w.Close()
}

func emailContent(ev Event) (subject, body string) {
	owner := ev.Email
	if owner == "" {
		owner = "unknown"
	}

	switch ev.Reason {
	case credential.ReasonQuotaExceeded:
		subject = fmt.Sprintf("kiroproxy: credential %d disabled (quota exceeded)", ev.CredentialID)
		body = fmt.Sprintf(
			"Credential %d (%s) was disabled automatically: the monthly request quota is exhausted.\n\n"+
				"Available credentials: %d/%d.\n\n"+
				"Wait for the quota reset or re-enable the credential from the admin API.",
			ev.CredentialID, owner, ev.Available, ev.Total)
	default:
		subject = fmt.Sprintf("kiroproxy: credential %d disabled (too many failures)", ev.CredentialID)
		body = fmt.Sprintf(
			"Credential %d (%s) was disabled automatically after repeated upstream failures.\n\n"+
				"Available credentials: %d/%d.\n\n"+
				"Check the credential and reset its failure count from the admin API.",
			ev.CredentialID, owner, ev.Available, ev.Total)
	}
	return subject, body
}
