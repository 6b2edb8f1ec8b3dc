// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redact scrubs secret-shaped content from nested structures
// before they reach logs.
package redact

import (
	"regexp"
	"strings"
)

// Marker replaces redacted values.
const Marker = "<REDACTED>"

// sensitiveKeySubstrings flags map keys whose values are replaced wholesale.
// Matching is case-insensitive substring containment.
var sensitiveKeySubstrings = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"client",
	"token",
	"user",
	"auth",
	"credential",
	"key",
	"cert",
}

// skipKeys are exact-match keys that are never redacted, even when their
// values look sensitive. Trace and request identifiers are opaque 32+
// character strings and must survive into logs for correlation.
var skipKeys = map[string]bool{
	"trace_id":   true,
	"request_id": true,
}

// Pattern defines a string redaction pattern.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
	// Replacement substitutes the match; when empty the whole string
	// is replaced by Marker.
	Replacement string
}

// standardPatterns flag bare strings as secret-shaped.
func standardPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "opaque_token",
			Regex: regexp.MustCompile(`^[A-Za-z0-9+/=_\-]{32,}$`),
		},
		{
			Name:  "aws_access_key",
			Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
		{
			Name:  "jwt",
			Regex: regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{16,})`),
			Replacement: "$1" + Marker,
		},
		{
			Name:        "named_secret",
			Regex:       regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|auth|credential)["'\s:=]+([^\s"',;&]+)`),
			Replacement: "$1=" + Marker,
		},
	}
}

// Redactor applies recursive redaction to nested structures.
type Redactor struct {
	keySubstrings []string
	skipKeys      map[string]bool
	patterns      []Pattern
}

// NewRedactor creates a redactor with the standard key blacklist,
// skip-list, and string patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		keySubstrings: sensitiveKeySubstrings,
		skipKeys:      skipKeys,
		patterns:      standardPatterns(),
	}
}

// Standard redacts a value with the default redactor. It never mutates
// its input; maps and slices are copied.
func Standard(v any) any {
	return NewRedactor().Redact(v)
}

// Redact recursively scrubs maps, slices, and strings. Map keys matching
// the blacklist have their value replaced by Marker; exact skip-list keys
// pass through untouched; everything else recurses.
func (r *Redactor) Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.redactEntry(k, item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.redactEntry(k, item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Redact(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.RedactString(item)
		}
		return out
	case string:
		return r.RedactString(val)
	default:
		return v
	}
}

// redactEntry applies the key rules before recursing into the value.
func (r *Redactor) redactEntry(key string, value any) any {
	if r.skipKeys[key] {
		return value
	}
	if r.isSensitiveKey(key) {
		return Marker
	}
	return r.Redact(value)
}

// RedactString scrubs a bare string. Strings that are entirely an opaque
// token shape collapse to Marker; embedded named secrets are replaced
// in place so surrounding text stays readable.
func (r *Redactor) RedactString(s string) string {
	out := s
	for _, p := range r.patterns {
		if p.Replacement != "" {
			out = p.Regex.ReplaceAllString(out, p.Replacement)
			continue
		}
		if p.Regex.MatchString(out) {
			return Marker
		}
	}
	return out
}

// IsSensitiveKey checks a key against the default blacklist, for callers
// that sanitize structures the recursive walk cannot reach, such as URL
// query strings.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range sensitiveKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// isSensitiveKey checks a map key against the blacklist, case-insensitively.
func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range r.keySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
