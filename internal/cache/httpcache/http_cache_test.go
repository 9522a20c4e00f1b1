package httpcache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture_registry(t *testing.T) (*Registry, cache.Cache) {
	t.Helper()
	c := cache.NewDisk(t.TempDir())
	require.NoError(t, c.Init())
	return NewRegistry(c, "generations"), c
}

func fixture_response(body string) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name      string
		targetURL string
		method    string
		want      string
	}{
		{
			name:      "simple URL",
			targetURL: "https://example.com/api/users",
			method:    "GET",
			want:      "https/example.com/api/users/GET.bin",
		},
		{
			name:      "URL with query params",
			targetURL: "https://api.github.com/users?page=1",
			method:    "GET",
			want:      "https/api.github.com/users/GET_q" + queryHash("page=1") + ".bin",
		},
		{
			name:      "root path",
			targetURL: "http://example.com:80/",
			method:    "GET",
			want:      "http/example.com/GET.bin",
		},
		{
			name:      "default https port is dropped",
			targetURL: "HTTPS://Example.com:443/app.js",
			method:    "GET",
			want:      "https/example.com/app.js/GET.bin",
		},
		{
			name:      "non-default port is kept",
			targetURL: "http://localhost:443/app.js",
			method:    "GET",
			want:      "http/localhost:443/app.js/GET.bin",
		},
		{
			name:      "dot segments are cleaned",
			targetURL: "http://example.com/static/../../etc/passwd",
			method:    "GET",
			want:      "http/example.com/etc/passwd/GET.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.targetURL)
			require.NoError(t, err)

			got := GenerateKey(&http.Request{Method: tt.method, URL: u})
			assert.Equal(t, tt.want, got)
		})
	}
}

func queryHash(q string) string {
	req := &http.Request{Method: "GET", URL: &url.URL{Host: "h", RawQuery: q}}
	key := GenerateKey(req)
	return strings.TrimSuffix(strings.TrimPrefix(key, "http/h/GET_q"), ".bin")
}

func TestGenerationPutAndMatch(t *testing.T) {
	registry, _ := fixture_registry(t)

	gen, err := registry.Open("app-static-v1")
	require.NoError(t, err)

	req, err := http.NewRequest("GET", "https://example.com/static/app.js", nil)
	require.NoError(t, err)

	testData := `console.log("hi");`
	require.NoError(t, gen.Put(req, fixture_response(testData)))

	cachedResp, err := gen.Match(req)
	require.NoError(t, err)
	require.NotNil(t, cachedResp)

	cachedData, err := io.ReadAll(cachedResp.Body)
	require.NoError(t, err)
	assert.Equal(t, testData, string(cachedData))
	assert.Equal(t, "application/json", cachedResp.Header.Get("Content-Type"))
	assert.Same(t, req, cachedResp.Request)

	n, err := gen.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, gen.Delete(req))
	cachedResp, err = gen.Match(req)
	require.NoError(t, err)
	assert.Nil(t, cachedResp)
}

func TestPutLeavesBodyReadable(t *testing.T) {
	registry, _ := fixture_registry(t)
	gen, err := registry.Open("app-static-v1")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/", nil)
	resp := fixture_response("<html></html>")
	require.NoError(t, gen.Put(req, resp))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
}

func TestDeserializeInvalid(t *testing.T) {
	_, err := Deserialize([]byte("short"))
	assert.Error(t, err)

	_, err = Deserialize([]byte(PREFIX + "not http"))
	assert.Error(t, err)
}

func TestRegistryOpenAndNames(t *testing.T) {
	registry, _ := fixture_registry(t)

	names, err := registry.Names()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = registry.Open("b-v1")
	require.NoError(t, err)
	_, err = registry.Open("a-v1")
	require.NoError(t, err)
	_, err = registry.Open("a-v1")
	require.NoError(t, err, "opening twice is idempotent")

	names, err = registry.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-v1", "b-v1"}, names)

	_, err = registry.Open("bad/name")
	assert.Error(t, err)
}

func TestRegistryMatchAcrossGenerations(t *testing.T) {
	registry, _ := fixture_registry(t)

	static, err := registry.Open("app-static-v1")
	require.NoError(t, err)
	_, err = registry.Open("app-dynamic-v1")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "http://localhost:5000/index.html", nil)
	require.NoError(t, static.Put(req, fixture_response("<html>shell</html>")))

	u, _ := url.Parse("http://localhost:5000/index.html")
	resp, name, err := registry.MatchURL(u)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "app-static-v1", name)

	miss, _ := url.Parse("http://localhost:5000/other.html")
	resp, name, err = registry.MatchURL(miss)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Empty(t, name)
}

func TestSchemesDoNotShareEntries(t *testing.T) {
	registry, _ := fixture_registry(t)
	gen, err := registry.Open("app-static-v1")
	require.NoError(t, err)

	plain, _ := http.NewRequest("GET", "http://example.com/app.js", nil)
	secure, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
	assert.NotEqual(t, GenerateKey(plain), GenerateKey(secure))

	require.NoError(t, gen.Put(plain, fixture_response("plain")))

	resp, err := gen.Match(secure)
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = gen.Match(plain)
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "plain", string(body))
}

func TestRegistryLookupNeverCreates(t *testing.T) {
	registry, _ := fixture_registry(t)

	_, err := registry.Lookup("app-dynamic-v1")
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	names, err := registry.Names()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = registry.Open("app-dynamic-v1")
	require.NoError(t, err)
	gen, err := registry.Lookup("app-dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, "app-dynamic-v1", gen.Name())

	_, err = registry.Delete("app-dynamic-v1")
	require.NoError(t, err)
	_, err = registry.Lookup("app-dynamic-v1")
	assert.ErrorIs(t, err, ErrGenerationNotFound)

	_, err = registry.Lookup("bad/name")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrGenerationNotFound)
}

func TestRegistryMatchInOnlySearchesNamedGenerations(t *testing.T) {
	registry, _ := fixture_registry(t)

	old, err := registry.Open("app-static-v1")
	require.NoError(t, err)
	current, err := registry.Open("app-static-v2")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "http://localhost:5000/app.js", nil)
	require.NoError(t, old.Put(req, fixture_response("v1")))

	resp, name, err := registry.MatchIn([]string{"app-static-v2", "app-dynamic-v2"}, req)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Empty(t, name)

	require.NoError(t, current.Put(req, fixture_response("v2")))
	resp, name, err = registry.MatchIn([]string{"app-static-v2", "app-dynamic-v2"}, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "app-static-v2", name)

	u, _ := url.Parse("http://localhost:5000/app.js")
	resp, name, err = registry.MatchURL(u, "app-static-v1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "app-static-v1", name)
}

func TestRegistrySweep(t *testing.T) {
	registry, c := fixture_registry(t)

	for _, name := range []string{"app-static-v1", "app-dynamic-v1", "app-static-v2", "app-dynamic-v2"} {
		gen, err := registry.Open(name)
		require.NoError(t, err)
		req, _ := http.NewRequest("GET", "http://localhost/"+name, nil)
		require.NoError(t, gen.Put(req, fixture_response(name)))
	}
	// Data outside the registry root is never touched
	require.NoError(t, c.Set("loading-app-cache-v1/app-data", []byte("{}")))

	allow := []string{"app-static-v2", "app-dynamic-v2"}
	deleted, err := registry.Sweep(allow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-static-v1", "app-dynamic-v1"}, deleted)

	names, err := registry.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-dynamic-v2", "app-static-v2"}, names)

	data, err := c.Get("loading-app-cache-v1/app-data")
	require.NoError(t, err)
	assert.NotNil(t, data)

	// Sweeping again is a no-op
	deleted, err = registry.Sweep(allow)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRegistryDeleteMissing(t *testing.T) {
	registry, _ := fixture_registry(t)

	existed, err := registry.Delete("never-opened")
	require.NoError(t, err)
	assert.False(t, existed)
}
