package proxypool_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingzhi-chen/gospider/internal/proxypool"
)

func serveText(t *testing.T, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestReplenish_PlainFormat(t *testing.T) {
	t.Parallel()

	srv := serveText(t, "10.0.0.1:8080\n10.0.0.2:3128\n\n# comment noise\nnot a proxy line\n")

	pool := newPool(t, proxypool.Config{
		Sources: []proxypool.Source{{Name: "plain-list", URL: srv.URL, Format: proxypool.FormatPlain}},
	})

	fetched := pool.Replenish(context.Background())
	assert.Equal(t, 2, fetched)
	assert.Equal(t, 2, pool.Len())

	for _, e := range pool.Snapshot() {
		assert.Equal(t, "plain-list", e.Source)
		assert.Equal(t, "http", e.Protocol)
	}
}

func TestReplenish_JSONLFormat(t *testing.T) {
	t.Parallel()

	srv := serveText(t, `{"host":"10.0.0.1","port":8080,"type":"http"}
{"host":"10.0.0.2","port":"1080","type":"socks5"}
{"broken json
{"host":"","port":80}
`)

	pool := newPool(t, proxypool.Config{
		Sources: []proxypool.Source{{Name: "jsonl-list", URL: srv.URL, Format: proxypool.FormatJSONL}},
	})

	fetched := pool.Replenish(context.Background())
	assert.Equal(t, 2, fetched)

	byAddress := map[string]proxypool.Endpoint{}
	for _, e := range pool.Snapshot() {
		byAddress[e.Address] = e
	}

	require.Contains(t, byAddress, "10.0.0.1:8080")
	require.Contains(t, byAddress, "10.0.0.2:1080")
	assert.Equal(t, "http", byAddress["10.0.0.1:8080"].Protocol)
	assert.Equal(t, "socks5", byAddress["10.0.0.2:1080"].Protocol)
}

func TestReplenish_HTMLFormat(t *testing.T) {
	t.Parallel()

	srv := serveText(t, `<table>
<tr><td>10.0.0.1:8080</td></tr>
<tr><td>10.0.0.2:3128</td></tr>
</table>`)

	pool := newPool(t, proxypool.Config{
		Sources: []proxypool.Source{{Name: "html-list", URL: srv.URL, Format: proxypool.FormatHTML}},
	})

	fetched := pool.Replenish(context.Background())
	assert.Equal(t, 2, fetched)
}

func TestReplenish_SourceFailureIsIsolated(t *testing.T) {
	t.Parallel()

	good := serveText(t, "10.0.0.1:8080\n")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	pool := newPool(t, proxypool.Config{
		Sources: []proxypool.Source{
			{Name: "broken", URL: bad.URL, Format: proxypool.FormatPlain},
			{Name: "unreachable", URL: "http://127.0.0.1:1/", Format: proxypool.FormatPlain},
			{Name: "good", URL: good.URL, Format: proxypool.FormatPlain},
		},
	})

	fetched := pool.Replenish(context.Background())
	assert.Equal(t, 1, fetched)
	assert.Equal(t, 1, pool.Len())
}

func TestReplenish_MergesWithExisting(t *testing.T) {
	t.Parallel()

	srv := serveText(t, "10.0.0.1:8080\n")

	pool := newPool(t, proxypool.Config{
		Sources: []proxypool.Source{{Name: "list", URL: srv.URL, Format: proxypool.FormatPlain}},
	})

	seasoned := proxypool.NewEndpoint("10.0.0.1:8080", "http", "old-list")
	seasoned.SuccessCount = 5
	pool.Add(seasoned)

	pool.Replenish(context.Background())

	require.Equal(t, 1, pool.Len())
	assert.Equal(t, 5, pool.Snapshot()[0].SuccessCount)
}

func TestReplenish_NoSources(t *testing.T) {
	t.Parallel()

	pool := newPool(t, proxypool.Config{})
	assert.Equal(t, 0, pool.Replenish(context.Background()))
}
