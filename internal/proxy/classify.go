package proxy

import (
	"mime"
	"net/http"
	"slices"
	"strings"
)

// Kind is the interception strategy chosen for a request
type Kind int

const (
	// KindIgnored requests reach the network untouched
	KindIgnored Kind = iota
	// KindAPI requests go to the network first
	KindAPI
	// KindNavigation requests are cache first, with the offline document as fallback
	KindNavigation
	// KindStatic requests are cache first
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindAPI:
		return "api-call"
	case KindNavigation:
		return "navigation-document"
	case KindStatic:
		return "static-asset"
	default:
		return "unknown"
	}
}

// Classify picks the strategy for requ
func (w *Worker) Classify(requ *http.Request) Kind {
	if requ.Method != http.MethodGet {
		return KindIgnored
	}
	if slices.Contains(w.cfg.ExcludedSchemes, strings.ToLower(requ.URL.Scheme)) {
		return KindIgnored
	}
	if !w.inScope(requ) {
		return KindIgnored
	}

	if strings.Contains(requ.URL.Path, w.cfg.APIMarker) {
		return KindAPI
	}
	if isNavigation(requ) {
		return KindNavigation
	}
	return KindStatic
}

// inScope determines if a request is intercepted based on rules
func (w *Worker) inScope(requ *http.Request) bool {
	matched := false
	for _, rule := range w.rules {
		if rule.Match(requ) {
			matched = true
			break
		}
	}

	if w.mode == "whitelist" {
		return matched
	}
	return !matched
}

// isNavigation reports whether requ loads a document rather than a subresource
func isNavigation(requ *http.Request) bool {
	if dest := requ.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if requ.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}

	accept := requ.Header.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	return err == nil && mediaType == "text/html"
}
