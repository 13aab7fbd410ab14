package probe

import (
	"context"
	"net"
	"time"
)

// checkDNS resolves the target name. IP literals are up when
// syntactically valid; no lookup is made for them.
func (e *Engine) checkDNS(ctx context.Context, t Target) CheckResult {
	host, _ := hostPort(t, 0)

	if ip := net.ParseIP(host); ip != nil {
		return CheckResult{Up: true, Meta: DNSMeta{ResolvedAddrs: []string{ip.String()}}}
	}

	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: t.Timeout}
			return d.DialContext(ctx, network, address)
		},
	}

	start := time.Now()
	addrs, err := resolver.LookupHost(ctx, host)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		errType, msg := Classify(err, ProtoDNS)
		// Resolver errors that are not NXDOMAIN and not timeouts still
		// mean the name cannot be resolved right now.
		if errType != ErrDNSNotFound && errType != ErrTimeout {
			errType = ErrDNSError
		}
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg}
	}
	if len(addrs) == 0 {
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrDNSNotFound,
			ErrorMessage:   "DNS: no records returned for " + host,
		}
	}

	return CheckResult{Up: true, ResponseTimeMs: elapsed, Meta: DNSMeta{ResolvedAddrs: addrs}}
}
