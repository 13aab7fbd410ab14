package probe

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
)

// Protocol identifies the probe family for a monitor.
type Protocol string

const (
	ProtoHTTP  Protocol = "http"
	ProtoHTTPS Protocol = "https"
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoDNS   Protocol = "dns"
	ProtoSMTP  Protocol = "smtp"
	ProtoSSL   Protocol = "ssl"
	ProtoPing  Protocol = "ping"
)

// Target is the slice of a monitor a probe needs. Timeout is always
// enforced; a probe never blocks past it.
type Target struct {
	Protocol Protocol
	Target   string // URL for http/https, host or host:port otherwise
	Port     int    // optional; protocol default when 0

	Timeout                time.Duration
	SSLExpiryThresholdDays int

	// UDP only: payload to send and (optionally) the reply that counts
	// as healthy.
	Payload          string
	ExpectedResponse string

	// HTTP only: use HEAD instead of GET when set.
	UseHead bool
}

// Meta carries protocol-specific detail on a CheckResult. Consumers
// switch on the concrete type.
type Meta interface{ isMeta() }

type HTTPMeta struct {
	FinalURL  string
	Redirects int
	TLS       *SSLMeta // set for https targets
}

type SSLMeta struct {
	ValidFrom     time.Time
	ValidTo       time.Time
	DaysRemaining int
	Issuer        string
	Subject       string
}

type DNSMeta struct {
	ResolvedAddrs []string
}

type UDPMeta struct {
	Reliability string
	Warning     string
}

type PingMeta struct {
	PacketsSent int
	PacketsRecv int
	TCPFallback bool
}

type SMTPMeta struct {
	Banner   string
	StartTLS bool
}

func (HTTPMeta) isMeta() {}
func (SSLMeta) isMeta()  {}
func (DNSMeta) isMeta()  {}
func (UDPMeta) isMeta()  {}
func (PingMeta) isMeta() {}
func (SMTPMeta) isMeta() {}

// CheckResult is the normalised outcome of exactly one probe. Failure
// is never an error return; every path produces a CheckResult.
type CheckResult struct {
	Up             bool
	ResponseTimeMs int64
	StatusCode     int
	ErrorType      ErrorType
	ErrorMessage   string
	Meta           Meta
	Timestamp      time.Time
}

// Engine dispatches a monitor to its protocol probe.
type Engine struct {
	logger *log.Logger
	client *http.Client
}

func NewEngine(logger *log.Logger) *Engine {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Engine{
		logger: logger,
		client: &http.Client{Transport: transport},
	}
}

// Check runs one probe against t. The context carries the overall
// deadline; t.Timeout bounds each network step as well.
func (e *Engine) Check(ctx context.Context, t Target) CheckResult {
	start := time.Now().UTC()

	if res := validateTarget(t); res != nil {
		res.Timestamp = start
		metrics.ProbesTotal.WithLabelValues(string(t.Protocol), "rejected").Inc()
		return *res
	}

	if t.Timeout <= 0 {
		t.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var res CheckResult
	switch t.Protocol {
	case ProtoHTTP, ProtoHTTPS:
		res = e.checkHTTP(ctx, t)
	case ProtoTCP:
		res = e.checkTCP(ctx, t)
	case ProtoUDP:
		res = e.checkUDP(ctx, t)
	case ProtoDNS:
		res = e.checkDNS(ctx, t)
	case ProtoSMTP:
		res = e.checkSMTP(ctx, t)
	case ProtoSSL:
		res = e.checkSSL(ctx, t)
	case ProtoPing:
		res = e.checkPing(ctx, t)
	default:
		res = CheckResult{
			Up:           false,
			ErrorType:    ErrProtocolMismatch,
			ErrorMessage: "unsupported protocol: " + string(t.Protocol),
		}
	}

	res.Timestamp = start
	outcome := "down"
	if res.Up {
		outcome = "up"
	}
	metrics.ProbesTotal.WithLabelValues(string(t.Protocol), outcome).Inc()
	metrics.ProbeDuration.WithLabelValues(string(t.Protocol)).Observe(float64(res.ResponseTimeMs) / 1000)
	return res
}

// hostPort splits t.Target into host and port, applying t.Port or the
// protocol default.
func hostPort(t Target, defaultPort int) (string, int) {
	host := t.Target
	port := t.Port
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host, "://") {
		if p, ok := parsePort(host[i+1:]); ok {
			host = host[:i]
			if port == 0 {
				port = p
			}
		}
	}
	if port == 0 {
		port = defaultPort
	}
	return host, port
}

func parsePort(s string) (int, bool) {
	p := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		p = p*10 + int(c-'0')
		if p > 65535 {
			return 0, false
		}
	}
	if s == "" || p == 0 {
		return 0, false
	}
	return p, true
}
