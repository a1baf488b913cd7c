package qualify

import (
	"strings"
	"testing"

	"github.com/kalambet/threadcorpus/internal/archive"
)

func rec(body, group string) archive.Record {
	return archive.Record{ID: "t1_x", Body: body, Author: "a", Group: group}
}

func TestQualifies(t *testing.T) {
	tests := []struct {
		name     string
		rules    Rules
		body     string
		group    string
		want     bool
		wantBody string
	}{
		{name: "plain", body: "hello there friend", group: "g", want: true, wantBody: "hello there friend"},
		{name: "too short", body: "short", group: "g", want: false},
		{name: "exactly min", body: "12345678", group: "g", want: true, wantBody: "12345678"},
		{name: "exactly max", body: strings.Repeat("a", 240), group: "g", want: true, wantBody: strings.Repeat("a", 240)},
		{name: "too long", body: strings.Repeat("a", 241), group: "g", want: false},
		{name: "trimmed before length", body: "   1234567   ", group: "g", want: false},
		{name: "non ascii dropped", body: "héllo wörld ok", group: "g", want: true, wantBody: "hllo wrld ok"},
		{name: "non ascii makes short", body: "ééééééé abc", group: "g", want: false},
		{name: "allowlist hit", rules: Rules{CommunityAllowlist: []string{"golang"}}, body: "hello there friend", group: "golang", want: true, wantBody: "hello there friend"},
		{name: "allowlist miss", rules: Rules{CommunityAllowlist: []string{"golang"}}, body: "hello there friend", group: "rust", want: false},
		{name: "denylist hit", rules: Rules{CommunityDenylist: []string{"spam"}}, body: "hello there friend", group: "spam", want: false},
		{name: "denylist miss", rules: Rules{CommunityDenylist: []string{"spam"}}, body: "hello there friend", group: "golang", want: true, wantBody: "hello there friend"},
		{name: "substring", rules: Rules{SubstringDenylist: []string{"[deleted]"}}, body: "this was [deleted] ok", group: "g", want: false},
		{name: "whitespace collapse", body: "hello \t\n  there\n\nfriend", group: "g", want: true, wantBody: "hello there friend"},
		{name: "caret and backslash", body: `so \*meta\* ^^^right`, group: "g", want: true, wantBody: "so *meta* right"},
		{name: "entities", body: "a &lt;b&gt; &amp; c", group: "g", want: true, wantBody: "a <b> & c"},
		{name: "entity order", body: "x &amp;lt; y z", group: "g", want: true, wantBody: "x &lt; y z"},
		{name: "short after normalize", body: `^^^^^^^^abc`, group: "g", want: false},
		{name: "length checked before normalize", body: strings.Repeat("&amp;", 50), group: "g", want: false},
		{name: "normalizes into range", body: strings.Repeat("&lt;", 55), group: "g", want: true, wantBody: strings.Repeat("<", 55)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.rules)
			r := rec(tt.body, tt.group)
			got := f.Qualifies(&r)
			if got != tt.want {
				t.Fatalf("Qualifies(%q) = %v, want %v", tt.body, got, tt.want)
			}
			if got && r.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", r.Body, tt.wantBody)
			}
			if !got && r.Body != tt.body {
				t.Errorf("rejected record body modified: %q", r.Body)
			}
		})
	}
}

func TestQualifies_Purity(t *testing.T) {
	f := New(Rules{SubstringDenylist: []string{"nope"}})
	original := rec("  some &amp;  text\twith ^ stuff \\ in it  ", "g")

	a, b := original, original
	gotA := f.Qualifies(&a)
	gotB := f.Qualifies(&b)

	if gotA != gotB {
		t.Fatalf("results differ: %v vs %v", gotA, gotB)
	}
	if a.Body != b.Body {
		t.Errorf("bodies differ: %q vs %q", a.Body, b.Body)
	}
	if original.Body != "  some &amp;  text\twith ^ stuff \\ in it  " {
		t.Errorf("original record mutated: %q", original.Body)
	}
}

func TestNormalize_CollapsesAndStrips(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello   there\tfriend", "hello there friend"},
		{"x^2 and a\\b", "x2 and ab"},
		// Stripping runs after collapsing, so a lone caret leaves two spaces.
		{"a ^ b", "a  b"},
		{"&lt;tag&gt; &amp; more", "<tag> & more"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Each pass unescapes one level, so Normalize is not idempotent on
// double-escaped input.
func TestNormalize_UnescapesOneLevel(t *testing.T) {
	once := Normalize("a &amp;lt; b")
	if once != "a &lt; b" {
		t.Fatalf("first pass = %q, want %q", once, "a &lt; b")
	}
	if twice := Normalize(once); twice != "a < b" {
		t.Errorf("second pass = %q, want %q", twice, "a < b")
	}
}
