package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/stretchr/testify/require"
)

const indexHTML = "<html><body>app shell</body></html>"

// origin is a test upstream counting requests per path
type origin struct {
	*httptest.Server
	fail atomic.Bool

	mu   sync.Mutex
	hits map[string]int

	// slow.js answers only once release is closed
	arrived     chan struct{}
	release     chan struct{}
	releaseOnce sync.Once
}

// Release lets every held slow.js request complete
func (o *origin) Release() {
	o.releaseOnce.Do(func() { close(o.release) })
}

func (o *origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// fixture_origin creates a test upstream serving an app shell, static assets and an API
func fixture_origin(t *testing.T) *origin {
	t.Helper()
	o := &origin{
		hits:    make(map[string]int),
		arrived: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		o.mu.Lock()
		o.hits[requ.URL.Path]++
		o.mu.Unlock()

		if o.fail.Load() {
			http.Error(w, "upstream broken", http.StatusInternalServerError)
			return
		}

		switch requ.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(indexHTML))
		case "/static/css/main.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{margin:0}"))
		case "/static/js/bundle.js", "/static/js/extra.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte(`console.log("` + requ.URL.Path + `")`))
		case "/static/js/slow.js":
			select {
			case o.arrived <- struct{}{}:
			default:
			}
			<-o.release
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte(`console.log("slow")`))
		case "/api/data":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","method":"` + requ.Method + `"}`))
		default:
			http.NotFound(w, requ)
		}
	}))
	t.Cleanup(o.Close)
	t.Cleanup(o.Release)
	return o
}

// fixture_config creates a test config for a worker fronting originURL
func fixture_config(originURL string) *config.Config {
	cfg := &config.Config{
		Worker: config.WorkerConfig{
			Origin:          originURL,
			InstallAttempts: 1,
		},
	}
	cfg.SetDefaults()
	cfg.Server.UpstreamTimeout = "5s"
	return cfg
}

// fixture_proxy creates a proxy server and returns it with its test server and an HTTP client using it
func fixture_proxy(t *testing.T, cfg *config.Config) (*Server, *httptest.Server, *http.Client) {
	t.Helper()
	server, err := New(cfg, cache.NewMemory())
	require.NoError(t, err)

	proxyTestServer := httptest.NewServer(server.GetProxy())
	t.Cleanup(proxyTestServer.Close)

	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}
	return server, proxyTestServer, client
}
