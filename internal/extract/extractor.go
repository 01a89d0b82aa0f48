// Package extract turns raw HTML or JSON into candidate consent elements.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// ErrExtraction marks structurally malformed input. Well-formed input with no
// matches is not an error; it yields an empty slice.
var ErrExtraction = errors.New("extraction error")

// minBannerTextLen suppresses near-empty consent containers. Counted in characters.
const minBannerTextLen = 10

var (
	buttonKeywords = []string{"accept", "reject", "consent", "agree", "decline", "manage", "preferences"}
	linkKeywords   = []string{"privacy", "cookie", "consent", "policy", "preferences"}
	bannerKeywords = []string{"cookie", "consent", "gdpr"}

	// elementKeys are checked in this order before falling back to a scan
	// of every top-level value.
	elementKeys = []string{"consent_elements", "buttons", "checkboxes", "links", "banners"}
)

// Extractor holds no state between calls; a fresh one per pipeline run is cheap.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// FromHTML applies the checkbox, button, link and banner rules in that fixed
// order. Within a rule, elements follow document order.
func (e *Extractor) FromHTML(doc string) ([]models.ConsentElement, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrExtraction, err)
	}

	nodes := flatten(root)

	elements := make([]models.ConsentElement, 0)
	elements = append(elements, checkboxes(nodes)...)
	elements = append(elements, buttons(nodes)...)
	elements = append(elements, links(nodes)...)
	elements = append(elements, banners(nodes)...)

	e.logger.Debug("extracted elements from html", "count", len(elements))
	return elements, nil
}

// FromJSON reads elements from a JSON document. Lists under the well-known
// keys are used when present; otherwise every top-level list of objects that
// carry a text field contributes, in document order. Nesting deeper than one
// level is not searched.
func (e *Extractor) FromJSON(raw string) ([]models.ConsentElement, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrExtraction)
	}

	doc := gjson.Parse(raw)
	elements := make([]models.ConsentElement, 0)
	if !doc.IsObject() {
		e.logger.Debug("json document is not an object, nothing to extract")
		return elements, nil
	}

	found := false
	for _, key := range elementKeys {
		v := doc.Get(key)
		if !v.IsArray() {
			continue
		}
		found = true
		elements = appendItems(elements, v)
	}

	if !found {
		doc.ForEach(func(_, v gjson.Result) bool {
			if v.IsArray() {
				elements = appendItems(elements, v)
			}
			return true
		})
	}

	e.logger.Debug("extracted elements from json", "count", len(elements), "well_known_keys", found)
	return elements, nil
}

func appendItems(dst []models.ConsentElement, list gjson.Result) []models.ConsentElement {
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		text := item.Get("text")
		if text.Type != gjson.String || strings.TrimSpace(text.Str) == "" {
			return true
		}
		dst = append(dst, models.ConsentElement{
			Type:    stringOr(item.Get("type"), models.ElementUnknown),
			Text:    text.Str,
			Element: stringOr(item.Get("element"), models.ElementUnknown),
		})
		return true
	})
	return dst
}

func stringOr(v gjson.Result, fallback string) string {
	if v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	return fallback
}

// --- html rules ---

func checkboxes(nodes []*html.Node) []models.ConsentElement {
	var out []models.ConsentElement
	for i, n := range nodes {
		if !isElement(n, "input") || !strings.EqualFold(attr(n, "type"), "checkbox") {
			continue
		}
		label := nextElement(nodes[i+1:], "label")
		if label == nil {
			continue
		}
		if text := textContent(label); text != "" {
			out = append(out, models.ConsentElement{Type: models.ElementCheckbox, Text: text, Element: "input"})
		}
	}
	return out
}

// buttons visits <button> elements before submit/button inputs.
func buttons(nodes []*html.Node) []models.ConsentElement {
	var candidates []*html.Node
	for _, n := range nodes {
		if isElement(n, "button") {
			candidates = append(candidates, n)
		}
	}
	for _, n := range nodes {
		if !isElement(n, "input") {
			continue
		}
		switch strings.ToLower(attr(n, "type")) {
		case "submit", "button":
			candidates = append(candidates, n)
		}
	}

	var out []models.ConsentElement
	for _, n := range candidates {
		text := strings.TrimSpace(attr(n, "value"))
		if text == "" {
			text = textContent(n)
		}
		if text != "" && containsAny(text, buttonKeywords) {
			out = append(out, models.ConsentElement{Type: models.ElementButton, Text: text, Element: "button"})
		}
	}
	return out
}

func links(nodes []*html.Node) []models.ConsentElement {
	var out []models.ConsentElement
	for _, n := range nodes {
		if !isElement(n, "a") {
			continue
		}
		if text := textContent(n); text != "" && containsAny(text, linkKeywords) {
			out = append(out, models.ConsentElement{Type: models.ElementLink, Text: text, Element: "a"})
		}
	}
	return out
}

func banners(nodes []*html.Node) []models.ConsentElement {
	var out []models.ConsentElement
	for _, n := range nodes {
		if !isElement(n, "div") && !isElement(n, "section") {
			continue
		}
		class := attr(n, "class")
		if class == "" || !containsAny(class, bannerKeywords) {
			continue
		}
		if text := textContent(n); utf8.RuneCountInString(text) > minBannerTextLen {
			out = append(out, models.ConsentElement{Type: models.ElementBanner, Text: text, Element: "div"})
		}
	}
	return out
}

// --- node helpers ---

// flatten returns every node under root in document order.
func flatten(root *html.Node) []*html.Node {
	var nodes []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		nodes = append(nodes, n)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return nodes
}

func nextElement(nodes []*html.Node, tag string) *html.Node {
	for _, n := range nodes {
		if isElement(n, tag) {
			return n
		}
	}
	return nil
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var skipText = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// textContent joins the trimmed descendant text nodes with single spaces.
func textContent(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipText[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
