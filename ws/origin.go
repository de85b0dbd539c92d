package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// originChecker validates the Origin header of websocket upgrades.
type originChecker struct {
	allowAll bool
	allowed  map[string]struct{}
}

// newOriginChecker treats an empty list as "*".
func newOriginChecker(origins []string) *originChecker {
	oc := &originChecker{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			oc.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			glog.Errorf("ignore invalid origin: %q", origin)
			continue
		}
		oc.allowed[normalized] = struct{}{}
	}
	if len(oc.allowed) == 0 {
		oc.allowAll = true
	}
	return oc
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check allows requests without Origin header: they are not from browsers.
func (oc *originChecker) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || oc.allowAll {
		return true
	}
	if normalized, ok := normalizeOrigin(header); ok {
		if _, exists := oc.allowed[normalized]; exists {
			return true
		}
	}
	glog.Errorf("blocked websocket connection from origin: %q, ip: %s", header, getRemoteIP(r))
	return false
}

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     newOriginChecker(origins).check,
	}
}
