// harei/utils/security.go
package utils

import (
	"net"
	"net/http"
	"strings"
)

// GetIPAddress extracts the real IP address from a request, trusting proxy headers.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// IsSecureLink reports whether an external resource link uses https.
func IsSecureLink(link string) bool {
	return strings.HasPrefix(strings.TrimSpace(link), "https://")
}

// HasArchiveExt reports whether filename ends with one of the allowed archive suffixes.
func HasArchiveExt(filename string, exts []string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
