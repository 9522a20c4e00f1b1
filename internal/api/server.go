package api

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxDelayCap bounds the artificial response delay
const MaxDelayCap = 10 * time.Second

// Options configures the demo server
type Options struct {
	Environment string        `env:"APP_ENV" envDefault:"development"`
	MinDelay    time.Duration `env:"API_MIN_DELAY" envDefault:"3s"`
	MaxDelay    time.Duration `env:"API_MAX_DELAY" envDefault:"7s"`
	StaticDir   string        `env:"STATIC_DIR"`

	// now replaces time.Now in responses
	now func() time.Time
}

// NewHandler returns the demo upstream: /api/data, /api/health and optional static files
func NewHandler(opts Options) http.Handler {
	if opts.now == nil {
		opts.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, DataResponse{
			Status:    "success",
			Timestamp: opts.now().Format(DisplayTimeLayout),
			Message:   "Data loaded from the server",
			Data: Data{
				Items: []string{"Item 1", "Item 2", "Item 3", "Item 4", "Item 5"},
				Count: 5,
			},
		})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:      "OK",
			Timestamp:   opts.now().UTC().Format(time.RFC3339),
			Environment: opts.Environment,
		})
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Status: "error", Message: "Not Found"})
	})
	if opts.StaticDir != "" {
		// FileServer redirects /index.html to ./, which a precache cannot follow
		mux.HandleFunc("GET /index.html", func(w http.ResponseWriter, r *http.Request) {
			serveFile(w, r, filepath.Join(opts.StaticDir, "index.html"))
		})
		mux.Handle("/", http.FileServer(http.Dir(opts.StaticDir)))
	}

	return recoverJSON(delay(opts.MinDelay, opts.MaxDelay, mux))
}

// delay holds GET /api/ requests for a random duration in [minDelay, maxDelay]
func delay(minDelay, maxDelay time.Duration, next http.Handler) http.Handler {
	maxDelay = min(maxDelay, MaxDelayCap)
	minDelay = min(minDelay, maxDelay)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/") && maxDelay > 0 {
			d := minDelay
			if span := maxDelay - minDelay; span > 0 {
				d += rand.N(span + 1)
			}
			logrus.Debugf("Delaying response for %s", d)

			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverJSON turns handler panics into the JSON error envelope
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.Errorf("Server error on %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{
					Status:  "error",
					Message: fmt.Sprint(rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
