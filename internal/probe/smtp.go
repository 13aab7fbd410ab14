package probe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// checkSMTP connects, expects a 220 banner, exchanges EHLO and QUITs.
// Anything short of a well-formed 2xx banner is down.
func (e *Engine) checkSMTP(ctx context.Context, t Target) CheckResult {
	host, port := hostPort(t, 25)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: t.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		errType, msg := Classify(err, ProtoSMTP)
		return CheckResult{Up: false, ErrorType: errType, ErrorMessage: msg}
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(t.Timeout))

	r := bufio.NewReader(conn)

	banner, err := readSMTPReply(r)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		errType, msg := Classify(err, ProtoSMTP)
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg}
	}
	if !strings.HasPrefix(banner, "220") {
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrProtocolMismatch,
			ErrorMessage:   "SMTP: unexpected banner: " + firstLine(banner),
			Meta:           SMTPMeta{Banner: firstLine(banner)},
		}
	}

	meta := SMTPMeta{Banner: firstLine(banner)}

	if _, err := fmt.Fprintf(conn, "EHLO pulsewatch.local\r\n"); err == nil {
		if reply, err := readSMTPReply(r); err == nil {
			if !strings.HasPrefix(reply, "250") {
				return CheckResult{
					Up:             false,
					ResponseTimeMs: elapsed,
					ErrorType:      ErrProtocolMismatch,
					ErrorMessage:   "SMTP: EHLO rejected: " + firstLine(reply),
					Meta:           meta,
				}
			}
			meta.StartTLS = strings.Contains(reply, "STARTTLS")
		}
	}

	_, _ = fmt.Fprintf(conn, "QUIT\r\n")

	return CheckResult{Up: true, ResponseTimeMs: elapsed, Meta: meta}
}

// readSMTPReply consumes one (possibly multiline) SMTP reply.
func readSMTPReply(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return b.String(), err
		}
		if len(line) < 4 || line[3] != '-' {
			return b.String(), nil
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
