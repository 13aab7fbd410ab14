package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// checkPing sends ICMP echoes; when raw sockets are unavailable it
// falls back to a TCP connect on ports 7 then 80.
func (e *Engine) checkPing(ctx context.Context, t Target) CheckResult {
	host, _ := hostPort(t, 0)

	pinger, err := probing.NewPinger(host)
	if err != nil {
		errType, msg := Classify(err, ProtoPing)
		return CheckResult{Up: false, ErrorType: errType, ErrorMessage: msg}
	}
	pinger.Count = 3
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = t.Timeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		// Raw sockets need capabilities; retry unprivileged before the
		// TCP fallback.
		pinger.SetPrivileged(false)
		if err := pinger.RunWithContext(ctx); err != nil {
			return e.pingTCPFallback(ctx, t, host)
		}
	}

	stats := pinger.Statistics()
	meta := PingMeta{PacketsSent: stats.PacketsSent, PacketsRecv: stats.PacketsRecv}
	if stats.PacketsRecv == 0 {
		return CheckResult{
			Up:           false,
			ErrorType:    ErrPingTimeout,
			ErrorMessage: fmt.Sprintf("PING: no reply (sent %d, received 0)", stats.PacketsSent),
			Meta:         meta,
		}
	}
	return CheckResult{Up: true, ResponseTimeMs: stats.AvgRtt.Milliseconds(), Meta: meta}
}

func (e *Engine) pingTCPFallback(ctx context.Context, t Target, host string) CheckResult {
	dialer := &net.Dialer{Timeout: t.Timeout}
	var lastErr error
	for _, port := range []int{7, 80} {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err == nil {
			elapsed := time.Since(start).Milliseconds()
			_ = conn.Close()
			return CheckResult{Up: true, ResponseTimeMs: elapsed, Meta: PingMeta{TCPFallback: true}}
		}
		lastErr = err
	}
	errType, msg := Classify(lastErr, ProtoPing)
	if errType == ErrConnectionRefused {
		// The host answered with a RST: it is reachable.
		return CheckResult{Up: true, Meta: PingMeta{TCPFallback: true}}
	}
	return CheckResult{Up: false, ErrorType: errType, ErrorMessage: msg, Meta: PingMeta{TCPFallback: true}}
}
