package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lopezworks/lopez/internal/backend"
	"github.com/lopezworks/lopez/internal/backend/memory"
	"github.com/lopezworks/lopez/internal/fetcher"
	"github.com/lopezworks/lopez/internal/lcd"
)

// newServer starts a test server whose URL is substituted for HOST in the
// directives source, so boundary regexes can anchor on it.
func newServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func compileFor(t *testing.T, server *httptest.Server, src string) *lcd.Directives {
	t.Helper()
	host := strings.TrimPrefix(server.URL, "http://")
	src = strings.ReplaceAll(src, "HOST", regexpQuote(host))
	src = strings.ReplaceAll(src, "BASE", server.URL)
	directives, err := lcd.Compile(src, nil)
	require.NoError(t, err)
	return directives
}

func regexpQuote(host string) string {
	return strings.NewReplacer(".", `\.`, ":", ":").Replace(host)
}

func runWave(t *testing.T, directives *lcd.Directives, store *memory.Store) int32 {
	t.Helper()
	f := fetcher.NewColly(fetcher.Config{
		UserAgent:   directives.Variables.UserAgent(),
		Timeout:     directives.Variables.RequestTimeout(),
		MaxBodySize: directives.Variables.MaxBodySize(),
	}, nil)
	eng := New(Config{WaveName: "test-wave", Workers: 4}, directives, f, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	waveID, err := store.EnsureWave(ctx, "test-wave")
	require.NoError(t, err)
	return waveID
}

func status(t *testing.T, store *memory.Store, waveID int32, pageURL string) (backend.SearchStatus, *int) {
	t.Helper()
	s, code, ok := store.Status(waveID, pageURL)
	require.True(t, ok, "no status row for %s", pageURL)
	return s, code
}

func TestSeedOnlyCrawl(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", http.NotFound)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/a">A</a></body></html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/$";
		seed "BASE/";
		set quota = 1;
	`)
	waveID := runWave(t, directives, store)

	s, code := status(t, store, waveID, server.URL+"/")
	require.Equal(t, backend.StatusClosed, s)
	require.Equal(t, 200, *code)

	// The discovered link is recorded but off-boundary (allow is "/$" only).
	edges := store.Edges(waveID)
	require.Equal(t, [][3]string{
		{server.URL + "/", server.URL + "/a", "ext_ahref"},
	}, edges)

	_, _, hasRow := store.Status(waveID, server.URL+"/a")
	require.False(t, hasRow)
}

func TestSeedExpandsFrontier(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`<a href="/a">A</a><a href="/b">B</a>`))
		default:
			_, _ = w.Write([]byte(`<p>leaf</p>`))
		}
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
	`)
	waveID := runWave(t, directives, store)

	for _, page := range []string{"/", "/a", "/b"} {
		s, code := status(t, store, waveID, server.URL+page)
		require.Equal(t, backend.StatusClosed, s, page)
		require.Equal(t, 200, *code, page)
	}
	edges := store.Edges(waveID)
	require.Contains(t, edges, [3]string{server.URL + "/", server.URL + "/a", "ahref"})
	require.Contains(t, edges, [3]string{server.URL + "/", server.URL + "/b", "ahref"})
}

func TestRedirectChain(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>destination</html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/x";
	`)
	waveID := runWave(t, directives, store)

	s, code := status(t, store, waveID, server.URL+"/x")
	require.Equal(t, backend.StatusClosed, s)
	require.Equal(t, http.StatusMovedPermanently, *code)

	s, code = status(t, store, waveID, server.URL+"/y")
	require.Equal(t, backend.StatusClosed, s)
	require.Equal(t, http.StatusOK, *code)

	edges := store.Edges(waveID)
	require.Equal(t, [][3]string{
		{server.URL + "/x", server.URL + "/y", "redirect"},
	}, edges)
}

func TestAnalysesAreCommitted(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><h1>Hello</h1><h1>World</h1><ul><li>a</li><li>b</li></ul></html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
		select h1 { t: first(text); }
		select ul { items: collect(select-all(text, "li")!explode); }
	`)
	waveID := runWave(t, directives, store)

	results := store.Results(waveID, server.URL+"/")
	require.Equal(t, "Hello", results["t"])
	require.Equal(t, []lcd.Value{"a", "b"}, results["items"])
}

func TestBoundaryRejection(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="https://b-example.com/">external</a>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
	`)
	waveID := runWave(t, directives, store)

	edges := store.Edges(waveID)
	require.Equal(t, [][3]string{
		{server.URL + "/", "https://b-example.com/", "ext_ahref"},
	}, edges)
	_, _, hasRow := store.Status(waveID, "https://b-example.com/")
	require.False(t, hasRow)
}

func TestQuotaBoundsCrawl(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		// Every page links to three more.
		base := strings.TrimSuffix(r.URL.Path, "/")
		_, _ = fmt.Fprintf(w, `<a href="%s/1">1</a><a href="%s/2">2</a><a href="%s/3">3</a>`, base, base, base)
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
		set quota = 5;
	`)
	waveID := runWave(t, directives, store)

	crawled, err := store.CountCrawled(context.Background(), waveID)
	require.NoError(t, err)
	require.LessOrEqual(t, crawled, 5)
	require.Positive(t, crawled)
}

func TestMaxDepthBoundsCrawl(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		next := r.URL.Path + "n/"
		_, _ = fmt.Fprintf(w, `<a href="%s">deeper</a>`, next)
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
		set max_depth = 2;
	`)
	waveID := runWave(t, directives, store)

	s, _ := status(t, store, waveID, server.URL+"/")
	require.Equal(t, backend.StatusClosed, s)
	s, _ = status(t, store, waveID, server.URL+"/n/n/")
	require.Equal(t, backend.StatusClosed, s)

	// Depth 3 was discovered but never taken.
	s, _ = status(t, store, waveID, server.URL+"/n/n/n/")
	require.Equal(t, backend.StatusOpen, s)
}

func TestErrorStatusOnBadPage(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<html>missing</html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
		select h1 { t: first(text); }
	`)
	waveID := runWave(t, directives, store)

	// Non-2xx closes with the status code and commits no analyses.
	s, code := status(t, store, waveID, server.URL+"/")
	require.Equal(t, backend.StatusClosed, s)
	require.Equal(t, http.StatusNotFound, *code)
	require.Nil(t, store.Results(waveID, server.URL+"/"))
}

func TestRobotsDisallowedPageErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>should not be fetched</html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
	`)
	waveID := runWave(t, directives, store)

	s, code := status(t, store, waveID, server.URL+"/")
	require.Equal(t, backend.StatusError, s)
	require.Nil(t, code)
}

func TestCanonicalEdgeIsRecorded(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="canonical" href="/canonical"></head></html>`))
	})
	server := newServer(t, mux)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/$";
		seed "BASE/";
	`)
	waveID := runWave(t, directives, store)

	edges := store.Edges(waveID)
	require.Equal(t, [][3]string{
		{server.URL + "/", server.URL + "/canonical", "canonical"},
	}, edges)
	// A canonical hint does not enqueue.
	_, _, hasRow := store.Status(waveID, server.URL+"/canonical")
	require.False(t, hasRow)
}

func TestShutdownLeavesTakenRows(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", http.NotFound)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	})
	server := newServer(t, mux)
	defer close(release)

	store := memory.New()
	directives := compileFor(t, server, `
		allow "^http://HOST/";
		seed "BASE/";
		set request_timeout = 30;
	`)
	f := fetcher.NewColly(fetcher.Config{UserAgent: "lopez/test", Timeout: 30 * time.Second}, nil)
	eng := New(Config{WaveName: "w", Workers: 1, DrainGrace: time.Second}, directives, f, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	// Give the engine time to take the seed, then pull the plug.
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(60 * time.Second):
		t.Fatal("engine did not stop")
	}

	waveID, err := store.EnsureWave(context.Background(), "w")
	require.NoError(t, err)
	s, _ := status(t, store, waveID, server.URL+"/")
	require.Equal(t, backend.StatusTaken, s)
}

func TestSeedNormalizationDropsFragmentsAndParams(t *testing.T) {
	t.Parallel()

	directives, err := lcd.Compile(`
		allow "^https?://a\.com/";
		seed "https://a.com/page?utm=1#top";
	`, nil)
	require.NoError(t, err)

	f := fetcher.NewColly(fetcher.Config{UserAgent: "t", Timeout: time.Second}, nil)
	eng := New(Config{WaveName: "w", Workers: 1}, directives, f, memory.New(), nil)
	seeds, err := eng.normalizedSeeds()
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/page"}, seeds)

	u, err := url.Parse(seeds[0])
	require.NoError(t, err)
	require.Empty(t, u.Fragment)
}
