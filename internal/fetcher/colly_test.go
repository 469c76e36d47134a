package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFetcher(maxBody int) *CollyFetcher {
	return NewColly(Config{
		UserAgent:   "lopez/test",
		Timeout:     5 * time.Second,
		MaxBodySize: maxBody,
	}, nil)
}

func TestFetchSimplePage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "lopez/test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><a href=\"/a\">A</a></body></html>"))
	}))
	defer server.Close()

	outcome, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Contains(t, string(outcome.Body), "href=\"/a\"")
	require.True(t, outcome.IsHTML())
	require.Empty(t, outcome.Redirects)
}

func TestFetchRecordsRedirectChain(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>final</html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	outcome, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/x")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Equal(t, server.URL+"/y", outcome.URL)
	require.Len(t, outcome.Redirects, 1)
	require.Equal(t, server.URL+"/x", outcome.Redirects[0].From)
	require.Equal(t, server.URL+"/y", outcome.Redirects[0].To)
	require.Equal(t, http.StatusMovedPermanently, outcome.Redirects[0].StatusCode)
}

func TestFetchDetectsRedirectCycle(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/a")
	require.ErrorIs(t, err, ErrRedirectCycle)
}

func TestFetchNonSuccessStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html>gone</html>"))
	}))
	defer server.Close()

	outcome, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, outcome.StatusCode)
	require.Contains(t, string(outcome.Body), "gone")
}

func TestFetchOversizedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer server.Close()

	outcome, err := newTestFetcher(1024).Fetch(context.Background(), server.URL+"/big")
	require.ErrorIs(t, err, ErrOversizedBody)
	require.Equal(t, http.StatusRequestEntityTooLarge, outcome.StatusCode)
}

func TestFetchGzipBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("<html>compressed</html>"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	outcome, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "<html>compressed</html>", string(outcome.Body))
}

func TestFetchBrokenGzipFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		// Gzip magic followed by garbage: a truncated stream.
		_, _ = w.Write([]byte{0x1f, 0x8b, 0xff, 0xff, 0xff})
	}))
	defer server.Close()

	// A stream that announces gzip but cannot be decoded surfaces as a
	// transport error; the engine's retry/error path owns it from there.
	_, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/")
	require.Error(t, err)
}

func TestFetchDeflateBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, _ = fw.Write([]byte("<html>deflated</html>"))
		_ = fw.Close()
		w.Header().Set("Content-Encoding", "deflate")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	outcome, err := newTestFetcher(0).Fetch(context.Background(), server.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "<html>deflated</html>", string(outcome.Body))
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	f := NewColly(Config{UserAgent: "lopez/test", Timeout: 100 * time.Millisecond, MaxBodySize: 0}, nil)
	_, err := f.Fetch(context.Background(), server.URL+"/")
	require.Error(t, err)
}

func TestFetchContextCancel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher(0).Fetch(ctx, server.URL+"/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "canceled")
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	for contentType, want := range map[string]bool{
		"text/html":                true,
		"text/html; charset=utf-8": true,
		"application/xhtml+xml":    true,
		"application/json":         false,
		"image/png":                false,
	} {
		o := Outcome{ContentType: contentType}
		require.Equal(t, want, o.IsHTML(), contentType)
	}
	require.True(t, (&Outcome{}).IsHTML())
}
