package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// checkSSL performs a TLS handshake and judges the certificate against
// the monitor's expiry threshold. The certificate chain is verified; a
// failing handshake maps through the classifier.
func (e *Engine) checkSSL(ctx context.Context, t Target) CheckResult {
	host, port := hostPort(t, 443)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: t.Timeout},
		Config:    &tls.Config{ServerName: host},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		errType, msg := Classify(err, ProtoSSL)
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg}
	}
	defer func() { _ = conn.Close() }()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrSSLInvalid,
			ErrorMessage:   "SSL: server presented no certificate",
		}
	}
	cert := state.PeerCertificates[0]
	days := daysUntil(cert.NotAfter)

	meta := SSLMeta{
		ValidFrom:     cert.NotBefore,
		ValidTo:       cert.NotAfter,
		DaysRemaining: days,
		Issuer:        cert.Issuer.CommonName,
		Subject:       cert.Subject.CommonName,
	}

	now := time.Now()
	switch {
	case now.Before(cert.NotBefore):
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrCertNotYetValid,
			ErrorMessage:   "SSL: certificate not valid before " + cert.NotBefore.Format("2006-01-02"),
			Meta:           meta,
		}
	case days <= 0:
		return CheckResult{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorType:      ErrCertExpired,
			ErrorMessage:   "SSL: certificate expired on " + cert.NotAfter.Format("2006-01-02"),
			Meta:           meta,
		}
	}

	res := CheckResult{Up: true, ResponseTimeMs: elapsed, Meta: meta}
	if threshold := t.SSLExpiryThresholdDays; threshold > 0 && days <= threshold {
		res.ErrorMessage = fmt.Sprintf("SSL: certificate expires in %d days", days)
	}
	return res
}
