package notify

import (
	"fmt"
	"net"
	"net/url"
)

// CheckOutboundURL rejects webhook targets that could be used to
// reach the service's own network: non-HTTP schemes, embedded
// credentials, and hosts resolving to loopback, private, link-local,
// multicast or unspecified addresses.
func CheckOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("webhook url must not embed credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("webhook host %q does not resolve: %w", host, err)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return fmt.Errorf("webhook host %q resolves to forbidden address %s", host, ip)
		}
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
