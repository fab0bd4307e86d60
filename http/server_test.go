package http_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	dnhttp "github.com/benbjohnson/dirnotify/http"
)

type pathLister struct {
	paths   []string
	running bool
}

func (l *pathLister) Paths() []string { return l.paths }
func (l *pathLister) Running() bool   { return l.running }

func MustOpenServer(tb testing.TB, watches dnhttp.PathLister) *dnhttp.Server {
	tb.Helper()

	s := dnhttp.NewServer(watches, "127.0.0.1:0")
	if err := s.Open(); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return s
}

func TestServer_Watches(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		s := MustOpenServer(t, &pathLister{paths: []string{"/a", "/b"}, running: true})

		resp, err := dnhttp.NewClient(s.URL()).Watches(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"/a", "/b"}, resp.Paths)
		require.True(t, resp.Running)
	})

	t.Run("Empty", func(t *testing.T) {
		s := MustOpenServer(t, &pathLister{})

		resp, err := dnhttp.NewClient(s.URL()).Watches(context.Background())
		require.NoError(t, err)
		require.Empty(t, resp.Paths)
		require.False(t, resp.Running)
	})

	t.Run("ErrNoMonitor", func(t *testing.T) {
		s := MustOpenServer(t, nil)

		_, err := dnhttp.NewClient(s.URL()).Watches(context.Background())
		require.EqualError(t, err, "invalid response: code=503")
	})

	t.Run("ErrMethod", func(t *testing.T) {
		s := MustOpenServer(t, &pathLister{})

		resp, err := http.Post(s.URL()+"/watches", "text/plain", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServer_Metrics(t *testing.T) {
	s := MustOpenServer(t, nil)

	resp, err := http.Get(s.URL() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "go_goroutines")
}

func TestClient_Watches(t *testing.T) {
	t.Run("ErrScheme", func(t *testing.T) {
		_, err := dnhttp.NewClient("ftp://localhost").Watches(context.Background())
		require.EqualError(t, err, "invalid URL scheme")
	})

	t.Run("ErrHost", func(t *testing.T) {
		_, err := dnhttp.NewClient("http://").Watches(context.Background())
		require.EqualError(t, err, "URL host required")
	})
}
