package probe

import (
	"net/url"
	"strings"
)

// validateTarget rejects malformed targets before any network I/O.
// A nil return means the target may be probed.
func validateTarget(t Target) *CheckResult {
	raw := strings.TrimSpace(t.Target)
	if raw == "" {
		return reject(ErrMissingTarget, "no target configured")
	}

	if t.Port < 0 || t.Port > 65535 {
		return reject(ErrInvalidURL, "port out of range")
	}

	switch t.Protocol {
	case ProtoHTTP, ProtoHTTPS:
		return validateURL(raw)
	default:
		return validateHost(raw, t.Protocol)
	}
}

func validateURL(raw string) *CheckResult {
	if strings.Contains(raw, ":///") {
		return reject(ErrMalformedStructure, "malformed URL: empty host")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reject(ErrInvalidURL, "invalid URL: "+err.Error())
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return reject(ErrInvalidURL, "URL is missing a scheme")
	default:
		return reject(ErrProtocolMismatch, "unsupported scheme "+u.Scheme+"://")
	}
	if u.Hostname() == "" {
		return reject(ErrMalformedStructure, "malformed URL: empty host")
	}
	if p := u.Port(); p != "" {
		if _, ok := parsePort(p); !ok {
			return reject(ErrInvalidURL, "invalid port in URL")
		}
	}
	return nil
}

func validateHost(raw string, proto Protocol) *CheckResult {
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme := raw[:i]
		if Protocol(scheme) != proto {
			return reject(ErrProtocolMismatch, "unexpected scheme "+scheme+":// for "+string(proto)+" monitor")
		}
		raw = raw[i+3:]
	}
	if raw == "" {
		return reject(ErrMalformedStructure, "malformed target: empty host")
	}
	if i := strings.LastIndex(raw, ":"); i > 0 {
		if _, ok := parsePort(raw[i+1:]); !ok {
			return reject(ErrInvalidURL, "invalid port in target")
		}
	}
	return nil
}

func reject(t ErrorType, msg string) *CheckResult {
	return &CheckResult{Up: false, ErrorType: t, ErrorMessage: msg}
}
