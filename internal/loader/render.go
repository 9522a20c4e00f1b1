package loader

import (
	"fmt"
	"io"
	"sync"
)

// Renderer receives the views to display. Calls are made while the controller
// holds its lock, so implementations must not call back into the controller.
type Renderer interface {
	RenderLoading()
	RenderSuccess(SuccessView)
	RenderError(ErrorView)
}

// SuccessView is the loaded payload
type SuccessView struct {
	Status    string
	Timestamp string
	Message   string
	Count     int
	FromCache bool
}

// ErrorView describes a failed load
type ErrorView struct {
	Offline    bool
	Exhausted  bool
	RetryCount int
	MaxRetries int
	Err        error
}

// CanRetry reports whether the retry action is enabled
func (v ErrorView) CanRetry() bool {
	return !v.Exhausted
}

// Title is the headline of the view
func (v ErrorView) Title() string {
	if v.Offline {
		return "No connection"
	}
	return "Loading failed"
}

// Message is the body text of the view
func (v ErrorView) Message() string {
	if v.Exhausted {
		return "Maximum number of retries exceeded."
	}
	if v.Offline {
		return "Check your internet connection and try again."
	}
	return "Could not load data. Please try again."
}

// Attempt is the "attempt N of M" line, empty before the first failure
func (v ErrorView) Attempt() string {
	if v.RetryCount == 0 {
		return ""
	}
	return fmt.Sprintf("Attempt %d of %d", v.RetryCount, v.MaxRetries)
}

// RetryLabel is the caption of the retry action
func (v ErrorView) RetryLabel() string {
	if v.Exhausted {
		return "Retry limit exceeded"
	}
	return "Retry"
}

// TextRenderer prints views as plain text
type TextRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextRenderer creates a renderer writing to w
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w}
}

func (r *TextRenderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func (r *TextRenderer) RenderLoading() {
	r.printf("\n⏳ Loading application\n   Please wait...\n")
}

func (r *TextRenderer) RenderSuccess(v SuccessView) {
	source := "network"
	if v.FromCache {
		source = "cache"
	}
	r.printf("\n🎉 Done! (from %s)\n   Status:  %s\n   Time:    %s\n   Message: %s\n   Items:   %d\n   [f] refresh  [c] clear cache  [q] quit\n",
		source, v.Status, v.Timestamp, v.Message, v.Count)
}

func (r *TextRenderer) RenderError(v ErrorView) {
	icon := "⚠️"
	if v.Offline {
		icon = "📶"
	}
	action := "[r] " + v.RetryLabel()
	if !v.CanRetry() {
		action = "(" + v.RetryLabel() + ")"
	}
	r.printf("\n%s %s\n   %s\n", icon, v.Title(), v.Message())
	if attempt := v.Attempt(); attempt != "" {
		r.printf("   %s\n", attempt)
	}
	r.printf("   %s  [f] refresh  [q] quit\n", action)
}
