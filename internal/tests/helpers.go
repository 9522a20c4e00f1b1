package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/resilient-loader/internal/api"
	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/iTrooz/resilient-loader/internal/client"
	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/iTrooz/resilient-loader/internal/loader"
	"github.com/iTrooz/resilient-loader/internal/proxy"
	"github.com/iTrooz/resilient-loader/internal/store"
)

var staticFiles = map[string]string{
	"index.html":          "<html><body>loading app</body></html>",
	"static/css/main.css": "body{margin:0}",
	"static/js/bundle.js": `console.log("app")`,
	"static/img/logo.svg": "<svg/>",
}

// upstream is the demo API with its static app shell, counting API calls
type upstream struct {
	*httptest.Server
	apiCalls atomic.Int32
}

// fixture_upstream creates the demo API server without artificial delay
func fixture_upstream(staticDir string) (*upstream, error) {
	for name, content := range staticFiles {
		path := filepath.Join(staticDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
	}

	u := &upstream{}
	handler := api.NewHandler(api.Options{Environment: "test", StaticDir: staticDir})
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/data" {
			u.apiCalls.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	return u, nil
}

// fixture_config creates a test config fronting originURL with the given cache driver
func fixture_config(originURL, cacheDir, driver string) *config.Config {
	cfg := &config.Config{
		Cache: config.CacheConfig{
			Driver: driver,
			Folder: filepath.Join(cacheDir, "cache"),
			Path:   filepath.Join(cacheDir, "cache.db"),
		},
		Worker: config.WorkerConfig{Origin: originURL},
	}
	cfg.SetDefaults()
	return cfg
}

// fixture_proxy creates an installed and activated proxy fronting the configured origin
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, error) {
	storage, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	proxyServer, err := proxy.New(cfg, storage)
	if err != nil {
		return nil, nil, err
	}
	if err := proxyServer.Upgrade(context.Background(), ""); err != nil {
		return nil, nil, err
	}
	return proxyServer, httptest.NewServer(proxyServer), nil
}

// recorder keeps every view rendered by a controller
type recorder struct {
	mu      sync.Mutex
	success []loader.SuccessView
	errors  []loader.ErrorView
}

func (r *recorder) RenderLoading() {}

func (r *recorder) RenderSuccess(v loader.SuccessView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, v)
}

func (r *recorder) RenderError(v loader.ErrorView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, v)
}

func (r *recorder) lastSuccess() loader.SuccessView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success[len(r.success)-1]
}

func (r *recorder) lastError() loader.ErrorView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[len(r.errors)-1]
}

// fixture_loader creates a controller loading baseURL through a store backed by storage
func fixture_loader(baseURL string, storage cache.Cache) (*loader.Controller, *recorder, error) {
	c, err := client.New(baseURL, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	rec := &recorder{}
	ctrl := loader.New(store.New("loading-app-cache-v1", store.FromCache(storage)), c, rec, loader.Options{
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	return ctrl, rec, nil
}
