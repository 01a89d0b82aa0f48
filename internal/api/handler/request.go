// Package handler implements the HTTP endpoints of the analysis API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/consentlens/internal/api/response"
	"github.com/kiranshivaraju/consentlens/internal/export"
	"github.com/kiranshivaraju/consentlens/internal/queue"
)

// MaxSourceBytes bounds the source field of analyze requests.
const MaxSourceBytes = 1 << 20

// Schemes that mark a source as a URL; only http and https are fetched.
var urlSchemes = []string{"http://", "https://", "file://", "ftp://", "javascript:", "data:"}

type analyzeRequest struct {
	Source       string `json:"source"`
	OutputFormat string `json:"output_format"`
	Priority     string `json:"priority"`
}

// decodeAnalyzeRequest parses and validates the body, writing the error
// response itself. ok is false when a response has been written.
func decodeAnalyzeRequest(w http.ResponseWriter, r *http.Request, defaultFormat string) (req analyzeRequest, ok bool) {
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Request body too large", map[string]int64{"max_bytes": maxErr.Limit})
			return req, false
		}
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return req, false
	}

	if req.OutputFormat == "" {
		req.OutputFormat = defaultFormat
	}
	if req.Priority == "" {
		req.Priority = "default"
	}

	if msg := validateSource(req.Source); msg != "" {
		response.Invalid(w, "source", msg)
		return req, false
	}
	if !export.Supported(req.OutputFormat) {
		response.Invalid(w, "output_format", "output_format must be one of "+strings.Join(export.Formats(), ", "))
		return req, false
	}
	if !queue.ValidPriority(req.Priority) {
		response.Invalid(w, "priority", "priority must be one of high, default, low")
		return req, false
	}
	return req, true
}

// validateSource returns a message describing why src is unacceptable, or "".
func validateSource(src string) string {
	if strings.TrimSpace(src) == "" {
		return "source is required"
	}
	if len(src) > MaxSourceBytes {
		return "source exceeds 1 MiB"
	}

	lower := strings.ToLower(src)
	isURL := false
	for _, scheme := range urlSchemes {
		if strings.HasPrefix(lower, scheme) {
			isURL = true
			break
		}
	}
	if !isURL {
		return ""
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "only http and https URLs are allowed"
	}
	u, err := url.Parse(src)
	if err != nil || u.Hostname() == "" || strings.ContainsAny(src, " \t\r\n") {
		return "invalid URL format"
	}
	return ""
}
