package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType is the closed error taxonomy shared by probes, evaluator
// and alerting.
type ErrorType string

const (
	ErrNone ErrorType = ""

	ErrHTTPSuccess       ErrorType = "HTTP_SUCCESS"
	ErrHTTPInformational ErrorType = "HTTP_INFORMATIONAL"
	ErrHTTPRedirect      ErrorType = "HTTP_REDIRECT"
	ErrHTTPRateLimit     ErrorType = "HTTP_RATE_LIMIT"
	ErrHTTPClientError   ErrorType = "HTTP_CLIENT_ERROR"
	ErrHTTPServerError   ErrorType = "HTTP_SERVER_ERROR"

	ErrConnectionRefused ErrorType = "CONNECTION_REFUSED"
	ErrTimeout           ErrorType = "TIMEOUT"

	ErrDNSNotFound ErrorType = "DNS_NOT_FOUND"
	ErrDNSError    ErrorType = "DNS_ERROR"

	ErrUDPTimeout          ErrorType = "UDP_TIMEOUT"
	ErrUDPResponseMismatch ErrorType = "UDP_RESPONSE_MISMATCH"

	ErrCertExpired          ErrorType = "CERT_HAS_EXPIRED"
	ErrCertNotYetValid      ErrorType = "CERT_NOT_YET_VALID"
	ErrCertHostnameMismatch ErrorType = "CERT_HOSTNAME_MISMATCH"
	ErrCertUntrusted        ErrorType = "CERT_UNTRUSTED"
	ErrSelfSignedCert       ErrorType = "SELF_SIGNED_CERT"
	ErrSSLInvalid           ErrorType = "SSL_INVALID"

	ErrPingTimeout         ErrorType = "PING_TIMEOUT"
	ErrPingHostUnreachable ErrorType = "PING_HOST_UNREACHABLE"

	ErrProtocolMismatch   ErrorType = "PROTOCOL_MISMATCH"
	ErrMalformedStructure ErrorType = "MALFORMED_STRUCTURE"
	ErrInvalidURL         ErrorType = "INVALID_URL"
	ErrMissingTarget      ErrorType = "MISSING_TARGET"
)

// IsDownType reports whether the error type classifies the target as
// DOWN on its own (as opposed to degraded or informational).
func IsDownType(t ErrorType) bool {
	switch t {
	case ErrHTTPServerError, ErrHTTPClientError, ErrConnectionRefused, ErrTimeout,
		ErrDNSNotFound, ErrDNSError, ErrUDPTimeout, ErrUDPResponseMismatch,
		ErrCertExpired, ErrCertNotYetValid, ErrCertHostnameMismatch,
		ErrCertUntrusted, ErrSelfSignedCert, ErrSSLInvalid,
		ErrPingTimeout, ErrPingHostUnreachable,
		ErrProtocolMismatch, ErrMalformedStructure, ErrInvalidURL,
		ErrMissingTarget:
		return true
	}
	return false
}

// IsDegradedType reports whether the error type classifies the target
// as degraded while still reachable.
func IsDegradedType(t ErrorType) bool {
	return t == ErrHTTPRateLimit
}

// Classify maps a low-level error to the taxonomy plus a user-facing
// message with the protocol prefix. Pure function.
func Classify(err error, proto Protocol) (ErrorType, string) {
	prefix := strings.ToUpper(string(proto))
	if err == nil {
		return ErrNone, ""
	}

	// TLS certificate failures first: they wrap net errors.
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		switch certErr.Reason {
		case x509.Expired:
			if certErr.Cert != nil && certErr.Cert.NotBefore.After(certErr.Cert.NotAfter) {
				return ErrSSLInvalid, prefix + ": certificate validity window is invalid"
			}
			return ErrCertExpired, prefix + ": certificate has expired"
		case x509.NotAuthorizedToSign, x509.CANotAuthorizedForThisName:
			return ErrCertUntrusted, prefix + ": certificate chain is not trusted"
		default:
			return ErrSSLInvalid, prefix + ": certificate is invalid"
		}
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return ErrCertHostnameMismatch, prefix + ": certificate hostname mismatch for " + hostErr.Host
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		if authErr.Cert != nil && authErr.Cert.Issuer.String() == authErr.Cert.Subject.String() {
			return ErrSelfSignedCert, prefix + ": self-signed certificate"
		}
		return ErrCertUntrusted, prefix + ": certificate signed by unknown authority"
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return ErrSSLInvalid, prefix + ": TLS handshake failed"
	}

	// Resolver failures.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ErrDNSNotFound, prefix + ": host not found: " + dnsErr.Name
		}
		if dnsErr.IsTimeout {
			return ErrTimeout, prefix + ": DNS lookup timed out for " + dnsErr.Name
		}
		return ErrDNSError, prefix + ": DNS lookup failed: " + dnsErr.Err
	}

	// Transport failures.
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused, prefix + ": connection refused"
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		if proto == ProtoPing {
			return ErrPingHostUnreachable, "PING: host unreachable"
		}
		return ErrConnectionRefused, prefix + ": host unreachable"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutType(proto), prefix + ": timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutType(proto), prefix + ": timed out"
	}

	if proto == ProtoSSL || proto == ProtoHTTPS {
		if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
			return ErrSSLInvalid, prefix + ": " + err.Error()
		}
	}

	return ErrConnectionRefused, prefix + ": " + err.Error()
}

func timeoutType(proto Protocol) ErrorType {
	switch proto {
	case ProtoUDP:
		return ErrUDPTimeout
	case ProtoPing:
		return ErrPingTimeout
	}
	return ErrTimeout
}

// ClassifyStatus maps a final HTTP status code to (up, errorType,
// message). 4xx responses other than 429 count as failures: the
// endpoint answered but not with the monitored resource.
func ClassifyStatus(code int) (bool, ErrorType, string) {
	switch {
	case code >= 100 && code < 200:
		return true, ErrHTTPInformational, fmt.Sprintf("HTTP: informational response (status %d)", code)
	case code >= 200 && code < 300:
		return true, ErrHTTPSuccess, ""
	case code >= 300 && code < 400:
		return true, ErrHTTPRedirect, ""
	case code == 429:
		return true, ErrHTTPRateLimit, fmt.Sprintf("HTTP: rate limited (status %d)", code)
	case code >= 400 && code < 500:
		return false, ErrHTTPClientError, fmt.Sprintf("HTTP: %s (status %d)", clientErrorLabel(code), code)
	default:
		return false, ErrHTTPServerError, fmt.Sprintf("HTTP: server error (status %d)", code)
	}
}

func clientErrorLabel(code int) string {
	switch code {
	case 400:
		return "bad request"
	case 401:
		return "unauthorized"
	case 403:
		return "forbidden"
	case 404:
		return "not found"
	}
	return "client error"
}
