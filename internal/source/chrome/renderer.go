// Package chrome renders pages in headless Chrome via chromedp.
package chrome

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer launches a fresh headless browser per Render call.
type Renderer struct {
	settle    time.Duration
	userAgent string
}

// New creates a Renderer that waits settle after the body is ready before
// capturing the DOM.
func New(settle time.Duration, userAgent string) *Renderer {
	return &Renderer{settle: settle, userAgent: userAgent}
}

// Render navigates to url and returns the rendered document's outer HTML.
// The browser process is torn down on every return path.
func (r *Renderer) Render(ctx context.Context, url string, timeout time.Duration) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Headless,
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	timeoutCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	if r.settle > 0 {
		tasks = append(tasks, chromedp.Sleep(r.settle))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(timeoutCtx, tasks); err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}
