package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRenderTimeout  = 30 * time.Second
	defaultMaxBodyBytes   = 10 * 1024 * 1024
	defaultUserAgent      = "consentlens/1.0"
)

var urlPattern = regexp.MustCompile(`^https?://`)

// Kind tags the shape of loaded content.
type Kind int

const (
	KindText Kind = iota
	KindStructured
)

func (k Kind) String() string {
	if k == KindStructured {
		return "structured"
	}
	return "text"
}

// Content is the raw result of loading a source. Raw always holds the text;
// Data holds the decoded JSON value when Kind is KindStructured.
type Content struct {
	Kind Kind
	Raw  string
	Data any
}

// Renderer fetches a page through a JS-capable browser.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (string, error)
}

// Options configures a Loader. Zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration
	EnableJSRender bool
	RenderTimeout  time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	// DisableFiles skips the local-file step so that sources which happen to
	// name a file on the host are treated as literal content.
	DisableFiles bool
}

// Loader resolves a source string to Content: URL fetch, file read, or literal.
type Loader struct {
	opts     Options
	client   *http.Client
	renderer Renderer
	logger   *slog.Logger
}

// NewLoader creates a Loader. renderer may be nil, which disables JS rendering
// regardless of opts.EnableJSRender.
func NewLoader(opts Options, renderer Renderer, logger *slog.Logger) *Loader {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = defaultRenderTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		opts:     opts,
		client:   &http.Client{Timeout: opts.RequestTimeout},
		renderer: renderer,
		logger:   logger,
	}
}

// IsURL reports whether source is fetched over the network.
func IsURL(source string) bool {
	return urlPattern.MatchString(source)
}

// Load resolves source. The first matching rule wins: http(s) URL, existing
// local file, literal content. The text is then decoded as JSON when valid.
func (l *Loader) Load(ctx context.Context, source string) (Content, error) {
	var (
		text string
		err  error
	)

	switch {
	case IsURL(source):
		l.logger.Debug("fetching url", "url", source, "js_render", l.renderEnabled())
		text, err = l.fetchURL(ctx, source)
	case !l.opts.DisableFiles && isFile(source):
		l.logger.Debug("reading file", "path", source)
		text, err = readFile(source)
	default:
		text = source
	}
	if err != nil {
		return Content{}, err
	}

	return Detect(text), nil
}

// Detect tags text as structured when it is valid JSON.
func Detect(text string) Content {
	var data any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return Content{Kind: KindStructured, Raw: text, Data: data}
	}
	return Content{Kind: KindText, Raw: text}
}

func (l *Loader) renderEnabled() bool {
	return l.opts.EnableJSRender && l.renderer != nil
}

// fetchURL tries the renderer first when enabled and falls back to a single
// static GET on any render failure.
func (l *Loader) fetchURL(ctx context.Context, url string) (string, error) {
	if l.renderEnabled() {
		html, err := l.tryRender(ctx, url)
		if err == nil {
			return html, nil
		}
		l.logger.Warn("js render failed, falling back to static fetch", "url", url, "error", err)
	}
	return l.tryStatic(ctx, url)
}

func (l *Loader) tryRender(ctx context.Context, url string) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRender, r)
		}
	}()

	renderCtx, cancel := context.WithTimeout(ctx, l.opts.RenderTimeout)
	defer cancel()

	html, err = l.renderer.Render(renderCtx, url, l.opts.RenderTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return html, nil
}

func (l *Loader) tryStatic(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("User-Agent", l.opts.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned status %d", ErrTransport, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.opts.MaxBodyBytes))
	if err != nil {
		return "", classifyError(err)
	}
	return string(body), nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrTransport, ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %v", ErrTransport, ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrTransport, path, err)
	}
	return string(data), nil
}
