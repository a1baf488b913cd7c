// Package qualify decides which raw comments are usable as dialogue turns
// and normalizes the text of the ones that are.
package qualify

import (
	"regexp"
	"strings"

	"github.com/kalambet/threadcorpus/internal/archive"
)

const (
	MinBodyLen = 8
	MaxBodyLen = 240
)

var whitespaceRE = regexp.MustCompile(`[ \t\n\r\f\v]+`)

// The order matters: "&amp;lt;" must come out as "&lt;", not "<".
var entityReplacer = []struct{ from, to string }{
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&amp;", "&"},
}

// Rules configures the community and substring filters. Empty lists
// disable the corresponding check.
type Rules struct {
	CommunityAllowlist []string
	CommunityDenylist  []string
	SubstringDenylist  []string
}

// Filter applies Rules to records. It holds no mutable state and is safe
// for concurrent use.
type Filter struct {
	allow      map[string]struct{}
	deny       map[string]struct{}
	substrings []string
}

// New builds a Filter from rules.
func New(rules Rules) *Filter {
	f := &Filter{
		allow: toSet(rules.CommunityAllowlist),
		deny:  toSet(rules.CommunityDenylist),
	}
	for _, s := range rules.SubstringDenylist {
		if s != "" {
			f.substrings = append(f.substrings, s)
		}
	}
	return f
}

// Qualifies reports whether rec is usable. When it is, rec.Body is replaced
// by its normalized form; a rejected record is left untouched.
func (f *Filter) Qualifies(rec *archive.Record) bool {
	body := strings.TrimSpace(asciiOnly(rec.Body))
	if !inBounds(body) {
		return false
	}

	if len(f.allow) > 0 {
		if _, ok := f.allow[rec.Group]; !ok {
			return false
		}
	}
	if len(f.deny) > 0 {
		if _, ok := f.deny[rec.Group]; ok {
			return false
		}
	}
	for _, s := range f.substrings {
		if strings.Contains(body, s) {
			return false
		}
	}

	body = Normalize(body)
	if !inBounds(body) {
		return false
	}

	rec.Body = body
	return true
}

// Normalize collapses whitespace runs, strips carets and backslashes and
// unescapes the three HTML entities the dumps carry.
func Normalize(body string) string {
	body = whitespaceRE.ReplaceAllString(body, " ")
	body = strings.ReplaceAll(body, "^", "")
	body = strings.ReplaceAll(body, `\`, "")
	for _, r := range entityReplacer {
		body = strings.ReplaceAll(body, r.from, r.to)
	}
	return body
}

func inBounds(s string) bool {
	return len(s) >= MinBodyLen && len(s) <= MaxBodyLen
}

// asciiOnly drops every byte outside the 7-bit range.
func asciiOnly(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			var b strings.Builder
			b.Grow(len(s))
			for j := 0; j < len(s); j++ {
				if s[j] < 0x80 {
					b.WriteByte(s[j])
				}
			}
			return b.String()
		}
	}
	return s
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}
