// Package phi detects and irreversibly masks PHI/PII (protected health
// information and personally identifiable information) in free text and in
// nested field structures before they reach any log sink or audit store.
//
// Detection is pattern based. Every category pattern is compiled with the
// standard regexp package, whose RE2 engine guarantees matching in time
// linear in the input length, so a hostile log message cannot stall the
// request path through catastrophic backtracking.
//
// Masking is deterministic: categories are applied in the fixed order of the
// filter's category list, so output is reproducible even when spans from
// different categories overlap. Masking is also idempotent — the redaction
// token [REDACTED_<CATEGORY>] contains no digits and no '@', so no built-in
// pattern can match inside an already-masked token. Custom categories must
// preserve that property.
package phi

import (
	"regexp"
	"strings"

	"github.com/compliance-core/compliance-core/internal/telemetry"
)

// Category is a named detection rule. Categories are immutable after
// construction and safe for concurrent use.
type Category struct {
	// Name is the lowercase category identifier, e.g. "email". It appears
	// upper-cased in the redaction token.
	Name string

	pattern *regexp.Regexp
	token   string
}

// NewCategory compiles a detection rule. The pattern must be valid RE2
// syntax; invalid patterns are a programming error and panic at process
// start, matching the fixed-at-startup lifecycle of categories.
func NewCategory(name, pattern string) Category {
	return Category{
		Name:    name,
		pattern: regexp.MustCompile(pattern),
		token:   "[REDACTED_" + strings.ToUpper(name) + "]",
	}
}

// Token returns the literal replacement string for this category.
func (c Category) Token() string { return c.token }

// Built-in category patterns. The order here is the documented masking
// order; changing it changes masked output for overlapping spans and is a
// breaking change for downstream log consumers.
var builtins = []Category{
	NewCategory("email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	NewCategory("phone", `(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	NewCategory("ssn", `\b\d{3}-\d{2}-\d{4}\b`),
	NewCategory("medicalrecordnumber", `(?i)\b(?:mrn|medical[_\s-]?record[_\s-]?number|patient[_\s-]?id)[\s:#]*\d{5,}\b`),
	NewCategory("dateofbirth", `(?i)\b(?:dob|date[_\s-]?of[_\s-]?birth)[\s:]*\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
	NewCategory("creditcard", `\b(?:\d{4}[-\s]?){3}\d{4}\b`),
	NewCategory("ipaddress", `\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// Filter applies an ordered list of categories to text and structures.
// The zero value is not usable; construct with Default or NewFilter.
// A Filter is immutable and safe for concurrent use.
type Filter struct {
	categories []Category
}

// Default returns a filter with the built-in categories: email, phone, ssn,
// medicalrecordnumber, dateofbirth, creditcard, ipaddress — in that order.
func Default() *Filter {
	return NewFilter(builtins...)
}

// NewFilter builds a filter from an explicit category list. The masking
// order is the argument order.
func NewFilter(categories ...Category) *Filter {
	cs := make([]Category, len(categories))
	copy(cs, categories)
	return &Filter{categories: cs}
}

// Categories returns the category names in masking order.
func (f *Filter) Categories() []string {
	names := make([]string, len(f.categories))
	for i, c := range f.categories {
		names[i] = c.Name
	}
	return names
}

// Contains reports whether text matches any category.
func (f *Filter) Contains(text string) bool {
	if text == "" {
		return false
	}
	for _, c := range f.categories {
		if c.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// DetectCategories returns the names of all categories that match text, in
// masking order. An empty result means the text is clean.
func (f *Filter) DetectCategories(text string) []string {
	var found []string
	if text == "" {
		return found
	}
	for _, c := range f.categories {
		if c.pattern.MatchString(text) {
			found = append(found, c.Name)
		}
	}
	return found
}

// Mask replaces every match of every category with that category's
// redaction token, applying categories in masking order. Masking already
// masked text is a no-op.
func (f *Filter) Mask(text string) string {
	if text == "" {
		return text
	}
	for _, c := range f.categories {
		if n := len(c.pattern.FindAllStringIndex(text, -1)); n > 0 {
			telemetry.PHIRedactionsTotal.WithLabelValues(c.Name).Add(float64(n))
			text = c.pattern.ReplaceAllString(text, c.token)
		}
	}
	return text
}

// FilterStructured walks a decoded JSON-like value (maps, slices, scalars),
// masking every string leaf. It returns a sanitized copy and whether any
// leaf anywhere in the structure matched a category. The input value is
// never mutated; maps and slices in the result are fresh containers.
// Non-string leaves (numbers, booleans, nil) pass through unexamined, and
// unrecognized types are returned unchanged — this function never fails.
func (f *Filter) FilterStructured(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if f.Contains(v) {
			return f.Mask(v), true
		}
		return v, false
	case map[string]any:
		out := make(map[string]any, len(v))
		found := false
		for k, elem := range v {
			sanitized, hit := f.FilterStructured(elem)
			out[k] = sanitized
			found = found || hit
		}
		return out, found
	case []any:
		out := make([]any, len(v))
		found := false
		for i, elem := range v {
			sanitized, hit := f.FilterStructured(elem)
			out[i] = sanitized
			found = found || hit
		}
		return out, found
	default:
		return value, false
	}
}
