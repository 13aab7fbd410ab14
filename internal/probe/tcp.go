package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// checkTCP opens a socket to (host, port) within the timeout.
func (e *Engine) checkTCP(ctx context.Context, t Target) CheckResult {
	host, port := hostPort(t, 80)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: t.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		errType, msg := Classify(err, ProtoTCP)
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg}
	}
	_ = conn.Close()

	return CheckResult{Up: true, ResponseTimeMs: elapsed}
}

// checkUDP sends one probe datagram. UDP is connectionless: silence is
// reported as down with best-effort metadata rather than certainty.
func (e *Engine) checkUDP(ctx context.Context, t Target) CheckResult {
	host, port := hostPort(t, 53)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	meta := UDPMeta{
		Reliability: "best-effort",
		Warning:     "UDP is connectionless; a missing reply does not prove the service is down",
	}

	dialer := &net.Dialer{Timeout: t.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		errType, msg := Classify(err, ProtoUDP)
		return CheckResult{Up: false, ErrorType: errType, ErrorMessage: msg, Meta: meta}
	}
	defer func() { _ = conn.Close() }()

	payload := t.Payload
	if payload == "" {
		payload = "\x00"
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		errType, msg := Classify(err, ProtoUDP)
		return CheckResult{Up: false, ErrorType: errType, ErrorMessage: msg, Meta: meta}
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.Timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		errType, msg := Classify(err, ProtoUDP)
		if errType == ErrUDPTimeout {
			msg = "UDP: no reply within timeout"
		}
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg, Meta: meta}
	}

	if t.ExpectedResponse != "" && string(buf[:n]) != t.ExpectedResponse {
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrUDPResponseMismatch,
			ErrorMessage:   "UDP: reply did not match expected response",
			Meta:           meta,
		}
	}

	return CheckResult{Up: true, ResponseTimeMs: elapsed, Meta: meta}
}
