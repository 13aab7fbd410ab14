package health

import (
	"fmt"
	"strings"

	"github.com/pulsewatch/pulsewatch/internal/probe"
)

// Status is the three-valued health state of a monitor.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// RecoveryConfidence is the bar a single successful probe must clear
// to confirm recovery; below it two consecutive successes are needed.
const RecoveryConfidence = 0.8

// Counters is the monitor state the evaluator reads. Values are as of
// the previous check; the evaluator folds the new result in itself.
type Counters struct {
	Protocol               probe.Protocol
	TotalChecks            int
	SuccessfulChecks       int
	ConsecutiveFailures    int
	ConsecutiveDegraded    int
	ConsecutiveSlowCount   int
	AlertThreshold         int
	DegradedThresholdMs    int64
	SSLExpiryThresholdDays int
	CurrentStatus          Status
}

// Evaluation is the evaluator's verdict for one check.
type Evaluation struct {
	Status     Status
	Reasons    []string
	Confidence float64
	Analysis   string

	// Candidate is the state the signals point at before hysteresis;
	// it differs from Status while a transition awaits confirmation.
	Candidate Status
	Severity  float64
}

// Evaluate maps one CheckResult plus monitor counters and a short
// history window to a stable verdict. Pure function: identical inputs
// produce identical outputs.
func Evaluate(result probe.CheckResult, c Counters, window []Outcome) Evaluation {
	if c.AlertThreshold < 1 {
		c.AlertThreshold = 2
	}

	candidate, severity, reasons := classify(result, c)

	ev := Evaluation{Candidate: candidate, Severity: severity, Reasons: reasons}

	switch candidate {
	case StatusDown:
		ev.Status = confirm(StatusDown, c.ConsecutiveFailures+1, c.AlertThreshold, &ev)
	case StatusDegraded:
		ev.Status = confirm(StatusDegraded, c.ConsecutiveDegraded+1, c.AlertThreshold, &ev)
	default:
		ev.Status = StatusUp
	}

	ev.Confidence = confidence(ev.Candidate, severity, failureRate(window, result), baseline(c))

	// Recovery needs either a confident single success or two in a row.
	if candidate == StatusUp && c.CurrentStatus != StatusUp && c.CurrentStatus != "" {
		if ev.Confidence < RecoveryConfidence && consecutiveSuccesses(window)+1 < 2 {
			ev.Status = StatusDegraded
			ev.Reasons = append(ev.Reasons, "recovery pending: awaiting a confirming success")
		}
	}

	ev.Reasons = dedup(ev.Reasons)
	ev.Analysis = analysis(ev, result)
	return ev
}

// classify applies the ordered rules: hard failure, slow response,
// SSL expiry window, client-side degradation, healthy.
func classify(result probe.CheckResult, c Counters) (Status, float64, []string) {
	if probe.IsDownType(result.ErrorType) {
		severity := 1.0
		if result.ErrorType == probe.ErrHTTPClientError {
			severity = 0.85
		}
		reason := string(result.ErrorType)
		if result.ErrorMessage != "" {
			reason += ": " + result.ErrorMessage
		}
		return StatusDown, severity, []string{reason}
	}

	if result.Up && !probe.IsDegradedType(result.ErrorType) {
		if threshold := effectiveThreshold(c); threshold > 0 && result.ResponseTimeMs > threshold {
			overshoot := float64(result.ResponseTimeMs-threshold) / float64(threshold)
			severity := 0.4 + 0.4*min1(overshoot)
			reason := fmt.Sprintf("SLOW_RESPONSE: %dms exceeds %dms threshold", result.ResponseTimeMs, threshold)
			return StatusDegraded, severity, []string{reason}
		}
	}

	if ssl := sslMeta(result); ssl != nil && c.SSLExpiryThresholdDays > 0 &&
		ssl.DaysRemaining > 0 && ssl.DaysRemaining <= c.SSLExpiryThresholdDays {
		reason := fmt.Sprintf("SSL_WARNING: expires in %d days", ssl.DaysRemaining)
		return StatusDegraded, 0.7, []string{reason}
	}

	if probe.IsDegradedType(result.ErrorType) {
		severity := 0.5
		if result.ErrorType == probe.ErrHTTPRateLimit {
			severity = 0.6
		}
		reason := string(result.ErrorType)
		if result.ErrorMessage != "" {
			reason += ": " + result.ErrorMessage
		}
		return StatusDegraded, severity, []string{reason}
	}

	return StatusUp, 0, nil
}

// confirm applies hysteresis: a transition completes only once the
// consecutive count reaches the alert threshold. While waiting, the
// monitor is exposed as degraded.
func confirm(target Status, consecutive, threshold int, ev *Evaluation) Status {
	if consecutive >= threshold {
		return target
	}
	ev.Reasons = append(ev.Reasons, fmt.Sprintf("waiting for confirmation (%d/%d)", consecutive, threshold))
	return StatusDegraded
}

// effectiveThreshold resolves the slow-response limit: the monitor's
// own when positive, the protocol default when unset, disabled when
// negative.
func effectiveThreshold(c Counters) int64 {
	if c.DegradedThresholdMs > 0 {
		return c.DegradedThresholdMs
	}
	if c.DegradedThresholdMs < 0 {
		return 0
	}
	switch c.Protocol {
	case probe.ProtoHTTP, probe.ProtoHTTPS:
		return 5000
	case probe.ProtoPing:
		return 1500
	case probe.ProtoDNS:
		return 2000
	default:
		return 3000
	}
}

// confidence combines window agreement, signal severity and baseline
// reliability into [0,1]. Down verdicts lean on the failure rate; up
// verdicts on its inverse.
func confidence(candidate Status, severity, failRate, reliability float64) float64 {
	var match, agreement float64
	switch candidate {
	case StatusDown:
		match = failRate
		agreement = 1 - reliability
	case StatusUp:
		match = 1 - failRate
		agreement = reliability
	default:
		match = 0.5 + failRate/2
		agreement = 0.5
		if severity == 0 {
			severity = 0.5
		}
	}
	v := 0.5*match + 0.35*severity + 0.15*agreement
	if candidate == StatusUp {
		v = 0.5*match + 0.35 + 0.15*agreement // a clean success is its own signal
	}
	return clamp01(v)
}

func failureRate(window []Outcome, result probe.CheckResult) float64 {
	failed := 0
	if !result.Up {
		failed++
	}
	for _, o := range window {
		if !o.Up {
			failed++
		}
	}
	return float64(failed) / float64(len(window)+1)
}

func baseline(c Counters) float64 {
	if c.TotalChecks == 0 {
		return 1.0
	}
	return float64(c.SuccessfulChecks) / float64(c.TotalChecks)
}

func consecutiveSuccesses(window []Outcome) int {
	n := 0
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].Up {
			break
		}
		n++
	}
	return n
}

func sslMeta(result probe.CheckResult) *probe.SSLMeta {
	switch m := result.Meta.(type) {
	case probe.SSLMeta:
		return &m
	case probe.HTTPMeta:
		return m.TLS
	}
	return nil
}

func analysis(ev Evaluation, result probe.CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s candidate=%s confidence=%.2f", ev.Status, ev.Candidate, ev.Confidence)
	if result.StatusCode > 0 {
		fmt.Fprintf(&b, " status_code=%d", result.StatusCode)
	}
	if result.ResponseTimeMs > 0 {
		fmt.Fprintf(&b, " response_ms=%d", result.ResponseTimeMs)
	}
	return b.String()
}

func dedup(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
