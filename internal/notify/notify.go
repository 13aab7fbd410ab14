package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/pulsewatch/pulsewatch/internal/health"
	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

// FanoutTimeout caps the whole notification fan-out for one event.
const FanoutTimeout = 10 * time.Second

// Config enables channels. A channel with an empty setting is off.
type Config struct {
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	FromAddress string

	SlackWebhookURL string
	SMSGatewayURL   string
	WebhookURL      string
}

// Event is the rendered payload shared by all channels.
type Event struct {
	MonitorID   string    `json:"monitorId"`
	MonitorName string    `json:"monitorName"`
	Target      string    `json:"target"`
	Kind        string    `json:"kind"` // incident | recovery
	Severity    string    `json:"severity,omitempty"`
	Category    string    `json:"category,omitempty"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
}

// Service fans events out to every configured channel in parallel.
// Each channel sits behind its own circuit breaker so a dead provider
// cannot stall the rest.
type Service struct {
	cfg      Config
	logger   *log.Logger
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker

	// sendMail is swappable for tests.
	sendMail func(event Event, to string) error
}

func NewService(cfg Config) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logging.New("NOTIFY"),
		client:   &http.Client{Timeout: FanoutTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	s.sendMail = s.smtpSend
	for _, name := range []string{"email", "slack", "sms", "webhook"} {
		s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return s
}

// NotifyIncident implements alert.Notifier. The message carries the
// monitor's current state (down or degraded), not the incident record
// status, which is always "ongoing" on this path.
func (s *Service) NotifyIncident(ctx context.Context, m store.Monitor, inc store.Incident) map[string]bool {
	state := m.Status
	if state != string(health.StatusDown) && state != string(health.StatusDegraded) {
		state = string(health.StatusDown)
	}
	msg := fmt.Sprintf("%s is %s", m.Name, state)
	if inc.ErrorType != "" {
		msg = fmt.Sprintf("%s: %s", msg, inc.ErrorType)
	}
	if inc.ErrorMessage != "" {
		msg = fmt.Sprintf("%s (%s)", msg, inc.ErrorMessage)
	}
	return s.fanout(ctx, m, Event{
		MonitorID:   m.ID,
		MonitorName: m.Name,
		Target:      m.Target,
		Kind:        "incident",
		Severity:    inc.Severity,
		Category:    inc.DegradationCategory,
		Message:     msg,
		Time:        time.Now().UTC(),
	})
}

// NotifyRecovery implements alert.Notifier.
func (s *Service) NotifyRecovery(ctx context.Context, m store.Monitor, inc store.Incident) map[string]bool {
	return s.fanout(ctx, m, Event{
		MonitorID:   m.ID,
		MonitorName: m.Name,
		Target:      m.Target,
		Kind:        "recovery",
		Message:     fmt.Sprintf("%s has recovered", m.Name),
		Time:        time.Now().UTC(),
	})
}

// fanout sends on every configured channel concurrently and returns
// per-recipient results keyed "channel" or "email:addr".
func (s *Service) fanout(ctx context.Context, m store.Monitor, ev Event) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, FanoutTimeout)
	defer cancel()

	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(key string, err error) {
		outcome := "sent"
		if err != nil {
			outcome = "failed"
			s.logger.Printf("Notification %s failed for monitor %s: %v", key, m.ID, err)
		}
		channel := key
		if i := bytes.IndexByte([]byte(key), ':'); i > 0 {
			channel = key[:i]
		}
		metrics.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
		mu.Lock()
		results[key] = err == nil
		mu.Unlock()
	}

	if s.cfg.SMTPHost != "" {
		for _, addr := range m.ContactEmails {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				record("email:"+addr, s.guarded("email", func() error {
					return s.emailWithRetry(ctx, ev, addr)
				}))
			}(addr)
		}
	}
	if s.cfg.SlackWebhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record("slack", s.guarded("slack", func() error {
				return s.slackSend(ctx, ev)
			}))
		}()
	}
	if s.cfg.SMSGatewayURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record("sms", s.guarded("sms", func() error {
				return s.postJSON(ctx, s.cfg.SMSGatewayURL, ev, false)
			}))
		}()
	}
	if s.cfg.WebhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record("webhook", s.guarded("webhook", func() error {
				return s.postJSON(ctx, s.cfg.WebhookURL, ev, true)
			}))
		}()
	}

	wg.Wait()
	return results
}

// guarded runs the send through the channel's circuit breaker.
func (s *Service) guarded(channel string, send func() error) error {
	_, err := s.breakers[channel].Execute(func() (any, error) {
		return nil, send()
	})
	return err
}

func (s *Service) slackSend(ctx context.Context, ev Event) error {
	if err := CheckOutboundURL(s.cfg.SlackWebhookURL); err != nil {
		return err
	}
	color := "#36a64f"
	if ev.Kind == "incident" {
		color = "#dc3545"
		if ev.Severity == "medium" || ev.Severity == "low" {
			color = "#ffc107"
		}
	}
	return slack.PostWebhookContext(ctx, s.cfg.SlackWebhookURL, &slack.WebhookMessage{
		Text: ev.Message,
		Attachments: []slack.Attachment{{
			Color: color,
			Fields: []slack.AttachmentField{
				{Title: "Monitor", Value: ev.MonitorName, Short: true},
				{Title: "Target", Value: ev.Target, Short: true},
				{Title: "Severity", Value: ev.Severity, Short: true},
				{Title: "Time", Value: ev.Time.Format(time.RFC1123), Short: true},
			},
		}},
	})
}

// postJSON delivers the event to an HTTP endpoint. User-supplied URLs
// pass through the SSRF guard; operator-configured ones do not need
// to.
func (s *Service) postJSON(ctx context.Context, url string, ev Event, guard bool) error {
	if guard {
		if err := CheckOutboundURL(url); err != nil {
			return err
		}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}
	return nil
}
