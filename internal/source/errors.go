package source

import "errors"

// Sentinel errors for source acquisition.
var (
	// ErrTransport covers network, HTTP status and file read failures.
	ErrTransport = errors.New("source transport error")
	// ErrTimeout additionally marks transport failures caused by a deadline.
	ErrTimeout = errors.New("source fetch timeout")
	// ErrRender marks headless-render failures. Loader never returns it;
	// a render failure always degrades to a static fetch.
	ErrRender = errors.New("source render error")
)
