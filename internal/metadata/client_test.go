package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tracks/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tracks/t1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"t1","title":"Blue","artist":"Joni","album":"Blue","duration_ms":180000,"artwork_url":"http://img/1.jpg"}`))
		case "/tracks/mismatch":
			w.Write([]byte(`{"id":"other","title":"Wrong"}`))
		case "/tracks/broken":
			w.Write([]byte(`{not json`))
		case "/tracks/boom":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		case "/tracks/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"id":"slow"}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLookup(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL+"/", time.Second, nil)

	track, err := c.Lookup(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", track.ID)
	assert.Equal(t, "Blue", track.Title)
	assert.Equal(t, "Joni", track.Artist)
	assert.Equal(t, int64(180000), track.DurationMs)
	assert.Equal(t, "http://img/1.jpg", track.ThumbnailURL)
	assert.False(t, track.Unresolved)
}

func TestLookupErrors(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, time.Second, nil)

	_, err := c.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = c.Lookup(context.Background(), "broken")
	assert.Error(t, err)

	_, err = c.Lookup(context.Background(), "mismatch")
	assert.Error(t, err)
}

func TestLookupHonorsContext(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Lookup(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
