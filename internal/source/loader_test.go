package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type fakeRenderer struct {
	html  string
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeRenderer) Render(ctx context.Context, url string, timeout time.Duration) (string, error) {
	f.calls.Add(1)
	if f.panic {
		panic("browser crashed")
	}
	if f.err != nil {
		return "", f.err
	}
	return f.html, nil
}

func pageServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("User-Agent") != "consentlens-test" {
			t.Errorf("unexpected user agent: %s", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestLoader(renderer Renderer, jsRender bool) *Loader {
	return NewLoader(Options{
		RequestTimeout: 2 * time.Second,
		EnableJSRender: jsRender,
		RenderTimeout:  time.Second,
		UserAgent:      "consentlens-test",
	}, renderer, nil)
}

// --- literal / file / detection ---

func TestLoad_LiteralHTML(t *testing.T) {
	l := newTestLoader(nil, false)

	got, err := l.Load(context.Background(), "<button>Accept</button>")
	require.NoError(t, err)
	assert.Equal(t, KindText, got.Kind)
	assert.Equal(t, "<button>Accept</button>", got.Raw)
	assert.Nil(t, got.Data)
}

func TestLoad_LiteralJSONMatchesDirectParse(t *testing.T) {
	l := newTestLoader(nil, false)

	inputs := []string{
		`{"buttons":[{"text":"Accept","type":"button"}]}`,
		`[1,2,3]`,
		`"just a string"`,
		`42`,
		`null`,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, err := l.Load(context.Background(), in)
			require.NoError(t, err)

			var want any
			require.NoError(t, json.Unmarshal([]byte(in), &want))
			assert.Equal(t, KindStructured, got.Kind)
			assert.Equal(t, want, got.Data)
		})
	}
}

func TestLoad_DetectionIsDeterministic(t *testing.T) {
	l := newTestLoader(nil, false)

	for i := 0; i < 5; i++ {
		got, err := l.Load(context.Background(), `{"a":1`)
		require.NoError(t, err)
		assert.Equal(t, KindText, got.Kind)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<a>Privacy</a>"), 0o644))

	l := newTestLoader(nil, false)
	got, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, KindText, got.Kind)
	assert.Equal(t, "<a>Privacy</a>", got.Raw)
}

func TestLoad_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elements.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"links":[]}`), 0o644))

	l := newTestLoader(nil, false)
	got, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, KindStructured, got.Kind)
}

func TestLoad_DisableFilesTreatsPathAsLiteral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0o644))

	l := NewLoader(Options{DisableFiles: true}, nil, nil)
	got, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, got.Raw)
}

func TestLoad_DirectoryIsLiteral(t *testing.T) {
	dir := t.TempDir()

	l := newTestLoader(nil, false)
	got, err := l.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got.Raw)
}

// --- static fetch ---

func TestLoad_StaticFetch(t *testing.T) {
	ts := pageServer(t, http.StatusOK, "<html><body>ok</body></html>", nil)

	l := newTestLoader(nil, false)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>ok</body></html>", got.Raw)
	assert.Equal(t, KindText, got.Kind)
}

func TestLoad_StaticFetchNon2xxIsTransportError(t *testing.T) {
	ts := pageServer(t, http.StatusNotFound, "missing", nil)

	l := newTestLoader(nil, false)
	_, err := l.Load(context.Background(), ts.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "404")
}

func TestLoad_StaticFetchConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	l := newTestLoader(nil, false)
	_, err := l.Load(context.Background(), url)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestLoad_StaticFetchTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	l := NewLoader(Options{RequestTimeout: 50 * time.Millisecond}, nil, nil)
	_, err := l.Load(context.Background(), ts.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestLoad_StaticFetchCapsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer ts.Close()

	l := NewLoader(Options{MaxBodyBytes: 4}, nil, nil)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "0123", got.Raw)
}

// --- render with fallback ---

func TestLoad_RenderSuccessSkipsStatic(t *testing.T) {
	var hits atomic.Int32
	ts := pageServer(t, http.StatusOK, "static", &hits)
	r := &fakeRenderer{html: "<html>rendered</html>"}

	l := newTestLoader(r, true)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>rendered</html>", got.Raw)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int32(0), hits.Load())
}

func TestLoad_RenderFailureFallsBackToStatic(t *testing.T) {
	var hits atomic.Int32
	ts := pageServer(t, http.StatusOK, "static", &hits)
	r := &fakeRenderer{err: errors.New("chrome not found")}

	l := newTestLoader(r, true)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "static", got.Raw)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoad_RenderPanicFallsBackToStatic(t *testing.T) {
	ts := pageServer(t, http.StatusOK, "static", nil)
	r := &fakeRenderer{panic: true}

	l := newTestLoader(r, true)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "static", got.Raw)
}

func TestLoad_RenderFailureNeverSurfaces(t *testing.T) {
	ts := pageServer(t, http.StatusBadGateway, "", nil)
	r := &fakeRenderer{err: errors.New("navigation failed")}

	l := newTestLoader(r, true)
	_, err := l.Load(context.Background(), ts.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrRender))
}

func TestLoad_RenderDisabledIgnoresRenderer(t *testing.T) {
	ts := pageServer(t, http.StatusOK, "static", nil)
	r := &fakeRenderer{html: "rendered"}

	l := newTestLoader(r, false)
	got, err := l.Load(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "static", got.Raw)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("http://example.com"))
	assert.True(t, IsURL("https://example.com/privacy"))
	assert.False(t, IsURL("ftp://example.com"))
	assert.False(t, IsURL("<a href=\"https://example.com\">x</a>"))
	assert.False(t, IsURL("example.com"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "structured", KindStructured.String())
}
