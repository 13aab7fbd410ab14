package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// emailMaxAttempts with exponential backoff starting at emailBackoff.
const (
	emailMaxAttempts = 3
	emailBackoff     = time.Second
)

// emailWithRetry sends with up to three attempts (1s, 2s, 4s backoff)
// on retryable errors; permanent SMTP rejections surface immediately.
func (s *Service) emailWithRetry(ctx context.Context, ev Event, to string) error {
	backoff := emailBackoff
	var lastErr error
	for attempt := 1; attempt <= emailMaxAttempts; attempt++ {
		lastErr = s.sendMail(ev, to)
		if lastErr == nil {
			return nil
		}
		if !retryableEmailError(lastErr) || attempt == emailMaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (s *Service) smtpSend(ev Event, to string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPass, s.cfg.SMTPHost)
	}

	subject := fmt.Sprintf("[pulsewatch] %s", ev.Message)
	body := fmt.Sprintf("Monitor: %s\r\nTarget: %s\r\nSeverity: %s\r\nTime: %s\r\n",
		ev.MonitorName, ev.Target, ev.Severity, ev.Time.Format(time.RFC1123))
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.cfg.FromAddress, to, subject, body)

	return smtp.SendMail(addr, auth, s.cfg.FromAddress, []string{to}, []byte(msg))
}

// retryableEmailError covers transient failures: network errors,
// timeouts, greylisting (4xx) and provider overload.
func retryableEmailError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"421", "450", "451", "452", "429", "timeout", "temporar"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
