// Package classify assigns consent categories by ordered keyword matching.
package classify

import (
	"errors"
	"strings"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// ErrClassification is reserved for unexpected failures. Classification is
// total over valid text, so Classify never returns it today.
var ErrClassification = errors.New("classification error")

const (
	DefaultCategory    = "Other"
	MatchConfidence    = 0.8
	FallbackConfidence = 0.5
)

// Rule maps a lowercase keyword to a category.
type Rule struct {
	Keyword  string
	Category string
}

// DefaultRules returns the built-in keyword table. Order matters: the first
// keyword found in a text decides its category.
//
// "accept" and "reject" both map to Functional. The two actions are
// conflated on purpose until product decides otherwise.
func DefaultRules() []Rule {
	return []Rule{
		{"analytics", "Analytics"},
		{"tracking", "Analytics"},
		{"performance", "Analytics"},
		{"ads", "Advertising"},
		{"advertising", "Advertising"},
		{"marketing", "Advertising"},
		{"functional", "Functional"},
		{"necessary", "Functional"},
		{"cookies", "Functional"},
		{"essential", "Functional"},
		{"accept", "Functional"},
		{"reject", "Functional"},
		{"social", "Social Media"},
		{"facebook", "Social Media"},
		{"twitter", "Social Media"},
		{"personalization", "Personalization"},
		{"recommendations", "Personalization"},
		{"privacy", "Privacy"},
		{"policy", "Privacy"},
	}
}

// Classifier is a pure function over its rule table.
type Classifier struct {
	rules []Rule
}

// New creates a Classifier that owns a copy of rules. Keywords are lowercased.
// A nil table uses DefaultRules.
func New(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	own := make([]Rule, len(rules))
	for i, r := range rules {
		own[i] = Rule{Keyword: strings.ToLower(r.Keyword), Category: r.Category}
	}
	return &Classifier{rules: own}
}

// Classify returns one clause per element with non-empty text, in input order.
func (c *Classifier) Classify(elements []models.ConsentElement) []models.ClassifiedClause {
	out := make([]models.ClassifiedClause, 0, len(elements))
	for _, e := range elements {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		category, confidence := c.Match(e.Text)
		out = append(out, models.ClassifiedClause{
			Text:       e.Text,
			Category:   category,
			Confidence: confidence,
			Type:       e.Type,
			Element:    e.Element,
		})
	}
	return out
}

// Match returns the category of the first rule whose keyword occurs in text.
func (c *Classifier) Match(text string) (string, float64) {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		if r.Keyword != "" && strings.Contains(lower, r.Keyword) {
			return r.Category, MatchConfidence
		}
	}
	return DefaultCategory, FallbackConfidence
}

// Categories lists the distinct categories of the table in table order,
// followed by DefaultCategory.
func (c *Classifier) Categories() []string {
	seen := make(map[string]bool, len(c.rules))
	var out []string
	for _, r := range c.rules {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	if !seen[DefaultCategory] {
		out = append(out, DefaultCategory)
	}
	return out
}
