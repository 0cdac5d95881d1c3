package frontier_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingzhi-chen/gospider/internal/frontier"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/blog/")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases scheme and host",
			input:    "HTTPS://Example.COM/Path",
			expected: "https://example.com/Path",
		},
		{
			name:     "strips default https port",
			input:    "https://example.com:443/post",
			expected: "https://example.com/post",
		},
		{
			name:     "strips default http port",
			input:    "http://example.com:80/post",
			expected: "http://example.com/post",
		},
		{
			name:     "keeps explicit port",
			input:    "https://example.com:8443/post",
			expected: "https://example.com:8443/post",
		},
		{
			name:     "strips fragment",
			input:    "https://example.com/post#section-2",
			expected: "https://example.com/post",
		},
		{
			name:     "strips tracking params and sorts the rest",
			input:    "https://example.com/post?z=1&utm_source=feed&a=2&fbclid=x",
			expected: "https://example.com/post?a=2&z=1",
		},
		{
			name:     "resolves relative path against base",
			input:    "/articles/42",
			expected: "https://example.com/articles/42",
		},
		{
			name:     "resolves document-relative path against base",
			input:    "42.html",
			expected: "https://example.com/blog/42.html",
		},
		{
			name:     "removes trailing slash",
			input:    "https://example.com/post/",
			expected: "https://example.com/post",
		},
		{
			name:     "collapses dot segments",
			input:    "https://example.com/a/b/../c",
			expected: "https://example.com/a/c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := frontier.Normalize(tt.input, base)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/")

	inputs := []string{
		"HTTPS://Example.COM:443/Post/?utm_source=x&b=2&a=1#frag",
		"/relative/path",
		"https://sub.example.com/a/../b",
	}

	for _, input := range inputs {
		once, err := frontier.Normalize(input, base)
		require.NoError(t, err)

		twice, err := frontier.Normalize(once, base)
		require.NoError(t, err)

		assert.Equal(t, once, twice, "normalizing twice must equal normalizing once for %q", input)
	}
}

func TestNormalize_Rejects(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/")

	inputs := []string{
		"ftp://example.com/file",
		"javascript:void(0)",
		"mailto:someone@example.com",
		"://bad",
	}

	for _, input := range inputs {
		_, err := frontier.Normalize(input, base)
		assert.Error(t, err, "expected %q to be rejected", input)
	}
}

func TestSameDomain(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/")

	assert.True(t, frontier.SameDomain(mustParse(t, "https://example.com/a"), base))
	assert.True(t, frontier.SameDomain(mustParse(t, "https://blog.example.com/a"), base))
	assert.False(t, frontier.SameDomain(mustParse(t, "https://example.org/a"), base))
	assert.False(t, frontier.SameDomain(mustParse(t, "https://notexample.com/a"), base))
}
