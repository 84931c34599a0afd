package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// wildcardOrigin matches "scheme://*.suffix" patterns from ALLOWED_ORIGINS.
type wildcardOrigin struct {
	scheme string
	suffix string // includes the leading dot
}

func (w wildcardOrigin) matches(u *url.URL) bool {
	return u.Scheme == w.scheme && strings.HasSuffix(u.Host, w.suffix) && len(u.Host) > len(w.suffix)
}

// NewCheckOrigin returns the upgrader's CheckOrigin function.
//
// Requests without an Origin header (native quiz clients, server-side
// tooling) pass. Browser origins must equal the origin of appURL or one of
// allowedOrigins; an entry of the form https://*.example.com admits any
// subdomain. Localhost origins also pass in development.
func NewCheckOrigin(appURL string, allowedOrigins []string, isDevelopment bool) func(r *http.Request) bool {
	exact, wildcards := compileOrigins(append([]string{appURL}, allowedOrigins...))

	return func(r *http.Request) bool {
		raw := r.Header.Get("Origin")
		if raw == "" {
			return true
		}

		u, err := url.Parse(strings.ToLower(raw))
		if err == nil && u.Host != "" {
			if slices.Contains(exact, u.Scheme+"://"+u.Host) {
				return true
			}
			if slices.ContainsFunc(wildcards, func(w wildcardOrigin) bool { return w.matches(u) }) {
				return true
			}
			if isDevelopment && isLocalhost(u) {
				return true
			}
		}

		slog.Warn("WebSocket origin rejected", "origin", raw, "remote_addr", r.RemoteAddr)
		return false
	}
}

func compileOrigins(entries []string) ([]string, []wildcardOrigin) {
	var exact []string
	var wildcards []wildcardOrigin
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if scheme, rest, ok := strings.Cut(entry, "://*."); ok && scheme != "" && rest != "" {
			wildcards = append(wildcards, wildcardOrigin{scheme: scheme, suffix: "." + strings.TrimSuffix(rest, "/")})
			continue
		}
		if o := extractOrigin(entry); o != "" {
			exact = append(exact, o)
		}
	}
	return exact, wildcards
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhost(u *url.URL) bool {
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
