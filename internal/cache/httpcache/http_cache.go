package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/iTrooz/resilient-loader/internal/cache"
)

// Generation is one named partition of stored HTTP responses
type Generation struct {
	name  string
	root  string
	cache cache.Cache
}

// Name returns the generation name, e.g. "loading-app-static-v1"
func (g *Generation) Name() string {
	return g.name
}

// GenerateKey builds the storage key of a request: scheme/host/path/METHOD[_queryhash].bin.
// Only the method and URL take part; a stored response matches any request for the same URL.
func GenerateKey(request *http.Request) string {
	scheme := strings.ToLower(request.URL.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(request.URL.Host)
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" {
		host = "_"
	}
	pathParts := []string{scheme, host}

	cleanPath := strings.Trim(path.Clean("/"+request.URL.Path), "/")
	if cleanPath != "" {
		pathParts = append(pathParts, cleanPath)
	}

	filename := request.Method
	if request.URL.RawQuery != "" {
		// Hash query parameters to handle complex URLs
		hash := sha256.Sum256([]byte(request.URL.RawQuery))
		filename += "_q" + hex.EncodeToString(hash[:])[:8]
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)
	return strings.Join(pathParts, "/")
}

func (g *Generation) key(request *http.Request) string {
	return g.root + GenerateKey(request)
}

// Put stores resp as the response for request, replacing any previous one.
// resp's body is consumed and restored.
func (g *Generation) Put(request *http.Request, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := g.cache.Set(g.key(request), data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Match returns the stored response for request, or nil, nil on a miss
func (g *Generation) Match(req *http.Request) (*http.Response, error) {
	data, err := g.cache.Get(g.key(req))
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	// Handle no cache hit
	if data == nil {
		return nil, nil
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	// Associate the original request with the response
	resp.Request = req
	return resp, nil
}

// Delete removes the stored response for request
func (g *Generation) Delete(req *http.Request) error {
	return g.cache.Delete(g.key(req))
}

// Len counts the stored responses
func (g *Generation) Len() (int, error) {
	keys, err := g.cache.Keys(g.root)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if !strings.HasSuffix(k, "/"+markerKey) {
			n++
		}
	}
	return n, nil
}
