package proxy

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRuleMatch(t *testing.T) {
	rule := &ConfigRule{
		CacheRule: config.CacheRule{
			BaseURI: "https://api.example.com",
			Methods: []string{"GET", "HEAD"},
		},
	}
	anyMethod := &ConfigRule{CacheRule: config.CacheRule{BaseURI: "https://cdn.example.com"}}

	tests := []struct {
		name      string
		rule      *ConfigRule
		targetURL string
		method    string
		want      bool
	}{
		{
			name:      "matching URL and method",
			rule:      rule,
			targetURL: "https://api.example.com/users",
			method:    "GET",
			want:      true,
		},
		{
			name:      "method is case insensitive",
			rule:      rule,
			targetURL: "https://api.example.com/users",
			method:    "head",
			want:      true,
		},
		{
			name:      "non-matching method",
			rule:      rule,
			targetURL: "https://api.example.com/users",
			method:    "DELETE",
			want:      false,
		},
		{
			name:      "non-matching URL",
			rule:      rule,
			targetURL: "https://other.example.com/users",
			method:    "GET",
			want:      false,
		},
		{
			name:      "no methods matches any method",
			rule:      anyMethod,
			targetURL: "https://cdn.example.com/app.js",
			method:    "POST",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.targetURL)
			require.NoError(t, err)

			assert.Equal(t, tt.want, tt.rule.Match(&http.Request{URL: u, Method: tt.method}))
		})
	}
}

func TestGetTargetURLFromHost(t *testing.T) {
	requ := &http.Request{Host: "localhost:3000", URL: &url.URL{Path: "/static/app.js", RawQuery: "v=2"}}
	assert.Equal(t, "http://localhost:3000/static/app.js?v=2", getTargetURL(requ))
}
