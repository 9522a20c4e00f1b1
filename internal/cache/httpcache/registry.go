package httpcache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/iTrooz/resilient-loader/internal/cache"

	"github.com/sirupsen/logrus"
)

// ErrGenerationNotFound is returned by Lookup for a generation that does not exist
var ErrGenerationNotFound = errors.New("generation not found")

// markerKey records that a generation exists even while it holds no response
const markerKey = ".generation"

// Registry holds every response generation stored under root in a cache
type Registry struct {
	cache cache.Cache
	root  string
}

// NewRegistry creates a registry keeping its generations under root/ in c
func NewRegistry(c cache.Cache, root string) *Registry {
	return &Registry{
		cache: c,
		root:  strings.Trim(root, "/") + "/",
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid generation name: %q", name)
	}
	return nil
}

func (r *Registry) generation(name string) *Generation {
	return &Generation{
		name:  name,
		root:  r.root + name + "/",
		cache: r.cache,
	}
}

// Open returns the named generation, creating it when missing
func (r *Registry) Open(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	g := r.generation(name)

	marker := g.root + markerKey
	existing, err := r.cache.Get(marker)
	if err != nil {
		return nil, fmt.Errorf("failed to open generation %s: %w", name, err)
	}
	if existing == nil {
		if err := r.cache.Set(marker, []byte(name)); err != nil {
			return nil, fmt.Errorf("failed to create generation %s: %w", name, err)
		}
		logrus.Debugf("Created cache generation %s", name)
	}
	return g, nil
}

// Lookup returns the named generation only when it exists.
// Unlike Open it never creates one.
func (r *Registry) Lookup(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	g := r.generation(name)

	existing, err := r.cache.Get(g.root + markerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up generation %s: %w", name, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrGenerationNotFound, name)
	}
	return g, nil
}

// Names lists the existing generations, sorted
func (r *Registry) Names() ([]string, error) {
	keys, err := r.cache.Keys(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}

	seen := make(map[string]struct{})
	for _, k := range keys {
		name, _, ok := strings.Cut(strings.TrimPrefix(k, r.root), "/")
		if ok && name != "" {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a generation and every response it holds.
// It reports whether the generation existed.
func (r *Registry) Delete(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	g := r.generation(name)

	keys, err := r.cache.Keys(g.root)
	if err != nil {
		return false, fmt.Errorf("failed to list generation %s: %w", name, err)
	}

	var errs []error
	for _, k := range keys {
		if err := r.cache.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return true, fmt.Errorf("failed to delete generation %s: %w", name, errors.Join(errs...))
	}
	return len(keys) > 0, nil
}

// Match searches every generation for a stored response to req.
// It returns nil, "", nil when none holds one.
func (r *Registry) Match(req *http.Request) (*http.Response, string, error) {
	names, err := r.Names()
	if err != nil {
		return nil, "", err
	}
	return r.MatchIn(names, req)
}

// MatchIn searches the given generations, in order, for a stored response to req.
// Missing generations are skipped.
func (r *Registry) MatchIn(names []string, req *http.Request) (*http.Response, string, error) {
	for _, name := range names {
		if err := validateName(name); err != nil {
			return nil, "", err
		}
		resp, err := r.generation(name).Match(req)
		if err != nil {
			logrus.Warnf("Ignoring unreadable entry in generation %s for %s: %v", name, req.URL, err)
			continue
		}
		if resp != nil {
			return resp, name, nil
		}
	}
	return nil, "", nil
}

// MatchURL searches the given generations for a stored GET response to u.
// With no names it searches every generation.
func (r *Registry) MatchURL(u *url.URL, names ...string) (*http.Response, string, error) {
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	if len(names) == 0 {
		return r.Match(req)
	}
	return r.MatchIn(names, req)
}

// Sweep deletes every generation whose name is not in allow.
// A failing delete does not stop the sweep; all failures are returned joined.
func (r *Registry) Sweep(allow []string) ([]string, error) {
	names, err := r.Names()
	if err != nil {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, name := range names {
		if slices.Contains(allow, name) {
			continue
		}
		logrus.Infof("Clearing old cache generation %s", name)
		if _, err := r.Delete(name); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}
