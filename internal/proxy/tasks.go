package proxy

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Tasks runs work that must outlive the response it was started for,
// such as cache writes after a response has been forwarded.
type Tasks struct {
	mu    sync.Mutex
	group *errgroup.Group
}

// Go starts fn in the background. Failures are logged and never reach the caller.
func (t *Tasks) Go(name string, fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.group == nil {
		t.group = &errgroup.Group{}
	}
	t.group.Go(func() error {
		if err := fn(); err != nil {
			logrus.Errorf("Background task %q failed: %v", name, err)
		}
		return nil
	})
}

// Wait blocks until every task started before the call has finished.
// Tasks started meanwhile belong to the next Wait.
func (t *Tasks) Wait() {
	t.mu.Lock()
	group := t.group
	t.group = nil
	t.mu.Unlock()

	if group != nil {
		_ = group.Wait()
	}
}
