package probe

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const maxRedirects = 10

var errTooManyRedirects = errors.New("stopped after 10 redirects")

// checkHTTP issues a GET (or HEAD) and classifies the final status.
// Response time is measured from request start to final headers.
func (e *Engine) checkHTTP(ctx context.Context, t Target) CheckResult {
	method := http.MethodGet
	if t.UseHead {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, t.Target, nil)
	if err != nil {
		return CheckResult{Up: false, ErrorType: ErrInvalidURL, ErrorMessage: "invalid URL: " + err.Error()}
	}
	req.Header.Set("User-Agent", "pulsewatch/1.0")

	client := &http.Client{
		Transport: e.client.Transport,
		Timeout:   t.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			return CheckResult{
				Up:             false,
				ResponseTimeMs: elapsed,
				ErrorType:      ErrHTTPRedirect,
				ErrorMessage:   "HTTP: redirect loop (more than 10 redirects)",
			}
		}
		errType, msg := Classify(err, t.Protocol)
		return CheckResult{Up: false, ResponseTimeMs: elapsed, ErrorType: errType, ErrorMessage: msg}
	}
	defer func() { _ = resp.Body.Close() }()

	up, errType, msg := ClassifyStatus(resp.StatusCode)

	meta := HTTPMeta{FinalURL: resp.Request.URL.String()}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		cert := resp.TLS.PeerCertificates[0]
		meta.TLS = &SSLMeta{
			ValidFrom:     cert.NotBefore,
			ValidTo:       cert.NotAfter,
			DaysRemaining: daysUntil(cert.NotAfter),
			Issuer:        cert.Issuer.CommonName,
			Subject:       cert.Subject.CommonName,
		}
	}

	return CheckResult{
		Up:             up,
		ResponseTimeMs: elapsed,
		StatusCode:     resp.StatusCode,
		ErrorType:      errType,
		ErrorMessage:   msg,
		Meta:           meta,
	}
}

func daysUntil(t time.Time) int {
	return int(time.Until(t).Hours() / 24)
}
