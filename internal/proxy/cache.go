package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/iTrooz/resilient-loader/internal/api"
	"github.com/iTrooz/resilient-loader/internal/cache/httpcache"

	"github.com/sirupsen/logrus"
)

// getCachedResponse returns a response from the generations of w, or nil
func (w *Worker) getCachedResponse(requ *http.Request) *http.Response {
	resp, name, err := w.registry.MatchIn(w.generations(), requ)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", requ.URL, err)
		return nil
	}
	if resp == nil {
		logrus.Debugf("No cached data found for %s", requ.URL)
		return nil
	}

	logrus.Debugf("Serving %s from %s", requ.URL, name)
	resp.Header.Set("X-Cache", "HIT")
	resp.Header.Set("X-Cache-Generation", name)
	return resp
}

// getOfflineDocument returns the cached offline document for the origin of requ, or nil
func (w *Worker) getOfflineDocument(requ *http.Request) *http.Response {
	u := url.URL{Scheme: requ.URL.Scheme, Host: requ.URL.Host, Path: w.cfg.OfflineDocument}
	if w.origin != nil {
		u.Scheme, u.Host = w.origin.Scheme, w.origin.Host
	}

	resp, _, err := w.registry.MatchURL(&u, w.generations()...)
	if err != nil {
		logrus.Errorf("Failed to get offline document %s: %v", u.String(), err)
		return nil
	}
	if resp == nil {
		return nil
	}
	resp.Request = requ
	resp.Header.Set("X-Cache", "OFFLINE")
	return resp
}

// cacheResponse stores a copy of resp into the named generation in the background.
// resp stays readable for the client. The write is dropped once w is retired
// or when the generation no longer exists.
func (w *Worker) cacheResponse(generation string, requ *http.Request, resp *http.Response) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	clone, err := cloneResponse(resp)
	if err != nil {
		logrus.Errorf("Failed to copy response for %s: %v", requ.URL, err)
		return
	}

	w.tasks.Go("cache "+requ.URL.String(), func() error {
		w.gate.RLock()
		defer w.gate.RUnlock()

		if w.State() == StateRedundant {
			logrus.Debugf("Worker %s retired, not caching %s", w.cfg.Version, requ.URL)
			return nil
		}
		gen, err := w.registry.Lookup(generation)
		if errors.Is(err, httpcache.ErrGenerationNotFound) {
			logrus.Debugf("Generation %s is gone, not caching %s", generation, requ.URL)
			return nil
		}
		if err != nil {
			return err
		}
		if err := gen.Put(requ, clone); err != nil {
			return fmt.Errorf("caching %s in %s: %w", requ.URL, generation, err)
		}
		logrus.Debugf("Cached %s in %s", requ.URL, generation)
		return nil
	})
}

// cloneResponse drains the body of resp into memory and returns an independent copy.
// Both responses get a fresh reader over the same bytes.
func cloneResponse(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))

	clone := *resp
	clone.Header = resp.Header.Clone()
	clone.Header.Del("X-Cache")
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

// offlineAPIResponse is the synthesized answer to an API call that could not reach the network
func offlineAPIResponse(requ *http.Request) *http.Response {
	body, _ := json.Marshal(api.ErrorResponse{Status: "error", Message: "Network unavailable"})

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header: http.Header{
			"Content-Type":   []string{"application/json"},
			"Content-Length": []string{strconv.Itoa(len(body))},
			"X-Cache":        []string{"OFFLINE"},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       requ,
	}
}
