package thread

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/threadcorpus/internal/archive"
)

func line(id, parent, author string, score int64) Line {
	return Line{ID: id, ParentID: parent, Author: author, Score: score, Body: "body of " + id}
}

func cacheOf(lines ...Line) *Cache {
	c := NewCache(len(lines) + 10)
	for _, l := range lines {
		c.Put(l)
	}
	return c
}

func mustGet(t *testing.T, c *Cache, id string) *Line {
	t.Helper()
	l, ok := c.Get(id)
	if !ok {
		t.Fatalf("line %q not in cache", id)
	}
	return l
}

func TestNewLine(t *testing.T) {
	parent := "t1_p"
	l := NewLine(archive.Record{ID: "t1_c", Body: "hi there", Ups: 10, Downs: 3, Author: "bob", ParentID: &parent, Group: "g"})
	want := Line{ID: "t1_c", Body: "hi there", Score: 7, Author: "bob", ParentID: "t1_p"}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("NewLine (-want +got):\n%s", diff)
	}

	root := NewLine(archive.Record{ID: "t1_r", Body: "root", Author: "a"})
	if !root.IsRoot() {
		t.Error("record without parent should be a root")
	}
}

func TestChooseChild(t *testing.T) {
	tests := []struct {
		name      string
		candidate Line
		previous  Line
		gpAuthor  string
		hasGP     bool
		want      Decision
	}{
		{"no gp higher score", line("c", "p", "c", 10), line("b", "p", "b", 5), "", false, Replace},
		{"no gp lower score", line("c", "p", "c", 3), line("b", "p", "b", 5), "", false, KeepPrevious},
		{"no gp equal score", line("c", "p", "c", 5), line("b", "p", "b", 5), "", false, KeepPrevious},
		{"gp author reply wins despite score", line("y", "p", "g", 1), line("x", "p", "x", 100), "g", true, Replace},
		{"gp author over gp author", line("y", "p", "g", -5), line("x", "p", "g", 100), "g", true, Replace},
		{"previous is gp author", line("y", "p", "y", 100), line("x", "p", "g", 1), "g", true, KeepPrevious},
		{"neither gp higher score", line("y", "p", "y", 10), line("x", "p", "x", 1), "g", true, Replace},
		{"neither gp lower score", line("y", "p", "y", 1), line("x", "p", "x", 10), "g", true, KeepPrevious},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChooseChild(&tt.candidate, &tt.previous, tt.gpAuthor, tt.hasGP)
			if got != tt.want {
				t.Errorf("ChooseChild = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcile_ScoreFallback(t *testing.T) {
	c := cacheOf(
		line("A", "", "a", 0),
		line("B", "A", "b", 5),
		line("C", "A", "c", 3),
	)
	Reconcile(c)
	if got := mustGet(t, c, "A").ChildID; got != "B" {
		t.Errorf("A.ChildID = %q, want B", got)
	}
}

func TestReconcile_ScoreReplacement(t *testing.T) {
	c := cacheOf(
		line("A", "", "a", 0),
		line("B", "A", "b", 5),
		line("C", "A", "c", 10),
	)
	st := Reconcile(c)
	if got := mustGet(t, c, "A").ChildID; got != "C" {
		t.Errorf("A.ChildID = %q, want C", got)
	}
	if st.Linked != 1 || st.Replaced != 1 {
		t.Errorf("stats = %+v, want 1 linked 1 replaced", st)
	}
}

func TestReconcile_SelfReplyOverride(t *testing.T) {
	c := cacheOf(
		line("G", "", "g", 0),
		line("P", "G", "p", 0),
		line("X", "P", "x", 100),
		line("Y", "P", "g", 1),
	)
	Reconcile(c)
	if got := mustGet(t, c, "P").ChildID; got != "Y" {
		t.Errorf("P.ChildID = %q, want Y", got)
	}
}

func TestReconcile_OrphanDemotion(t *testing.T) {
	c := cacheOf(
		line("A", "t3_post", "a", 0),
		line("B", "A", "b", 1),
	)
	st := Reconcile(c)

	a := mustGet(t, c, "A")
	if a.ParentID != "" {
		t.Errorf("A.ParentID = %q, want cleared", a.ParentID)
	}
	if a.ChildID != "B" {
		t.Errorf("A.ChildID = %q, want B", a.ChildID)
	}
	if st.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", st.Demoted)
	}

	chains := Chains(c)
	if len(chains) != 1 || chains[0].RootID != "A" {
		t.Fatalf("chains = %+v, want one chain rooted at A", chains)
	}
}

func TestReconcile_ArrivalOrderSensitive(t *testing.T) {
	// A grandparent-authored reply that arrives first is never displaced.
	first := cacheOf(
		line("G", "", "g", 0),
		line("P", "G", "p", 0),
		line("Y", "P", "g", 1),
		line("X", "P", "x", 100),
	)
	Reconcile(first)
	if got := mustGet(t, first, "P").ChildID; got != "Y" {
		t.Errorf("gp reply first: P.ChildID = %q, want Y", got)
	}

	noGP := cacheOf(
		line("P", "", "p", 0),
		line("Y", "P", "y", 1),
		line("X", "P", "x", 1),
	)
	Reconcile(noGP)
	if got := mustGet(t, noGP, "P").ChildID; got != "Y" {
		t.Errorf("tie keeps first arrival: P.ChildID = %q, want Y", got)
	}
}

func TestCache_PutKeepsArrivalPosition(t *testing.T) {
	c := NewCache(10)
	c.Put(line("A", "", "a", 1))
	c.Put(line("B", "", "b", 1))
	c.Put(Line{ID: "A", Body: "replaced", Author: "z"})

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if c.At(0).ID != "A" || c.At(0).Body != "replaced" {
		t.Errorf("At(0) = %+v", *c.At(0))
	}
}

func TestCache_OverCapacityAndReset(t *testing.T) {
	c := NewCache(2)
	c.Put(line("A", "", "a", 1))
	c.Put(line("B", "", "a", 1))
	if c.OverCapacity() {
		t.Error("2 lines should not exceed capacity 2")
	}
	c.Put(line("C", "", "a", 1))
	if !c.OverCapacity() {
		t.Error("3 lines should exceed capacity 2")
	}

	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len after Reset = %d", c.Len())
	}
	if _, ok := c.Get("A"); ok {
		t.Error("Get after Reset should miss")
	}
}

func TestChains_AlternatingRoles(t *testing.T) {
	c := cacheOf(
		line("A", "", "a", 0),
		line("B", "A", "b", 0),
		line("C", "B", "a", 0),
		line("D", "C", "b", 0),
	)
	Reconcile(c)

	var buf bytes.Buffer
	st, err := Emit(c, &buf)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	want := "X: body of A\nA: body of B\nX: body of C\nA: body of D\n===\n"
	if buf.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", buf.String(), want)
	}
	if st.Chains != 1 || st.Turns != 4 || st.Dropped != 0 || st.Bytes != int64(len(want)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestEmit_DropsOddChains(t *testing.T) {
	c := cacheOf(
		line("A", "", "a", 0),
		line("B", "A", "b", 0),
		line("C", "B", "a", 0),
		line("R", "", "r", 0),
		line("S", "R", "s", 0),
		line("lonely", "", "l", 0),
	)
	Reconcile(c)

	var buf bytes.Buffer
	st, err := Emit(c, &buf)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if st.Chains != 1 || st.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 chain 1 dropped", st)
	}
	if strings.Contains(buf.String(), "body of A") || strings.Contains(buf.String(), "lonely") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestChains_CycleGuard(t *testing.T) {
	c := cacheOf(
		line("R", "", "r", 0),
		line("A", "R", "a", 0),
		line("B", "A", "b", 0),
	)
	Reconcile(c)
	// Malformed ids can close a loop that Reconcile alone never builds.
	mustGet(t, c, "B").ChildID = "A"

	chains := Chains(c)
	if len(chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(chains))
	}
	if diff := cmp.Diff([]string{"body of R", "body of A", "body of B"}, chains[0].Turns); diff != "" {
		t.Errorf("turns (-want +got):\n%s", diff)
	}
}

func TestChains_SelfParent(t *testing.T) {
	c := cacheOf(line("S", "S", "s", 0))
	Reconcile(c)
	if n := len(Chains(c)); n != 0 {
		t.Errorf("self-parented line produced %d chains", n)
	}
}

func TestEmit_ParityProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	authors := []string{"a", "b", "c", "d"}

	for round := 0; round < 200; round++ {
		n := 2 + rng.IntN(40)
		c := NewCache(n)
		for i := 0; i < n; i++ {
			parent := ""
			switch r := rng.IntN(4); {
			case r == 0:
				parent = "outside"
			case r > 1 && i > 0:
				parent = fmt.Sprintf("L%d", rng.IntN(n))
			}
			c.Put(line(fmt.Sprintf("L%d", i), parent, authors[rng.IntN(len(authors))], int64(rng.IntN(20))))
		}
		Reconcile(c)

		var buf bytes.Buffer
		if _, err := Emit(c, &buf); err != nil {
			t.Fatalf("Emit: %v", err)
		}

		var turns int
		expectRole := RoleQuery
		for _, l := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
			if l == "" {
				continue
			}
			if l == Separator {
				if turns == 0 || turns%2 != 0 {
					t.Fatalf("round %d: chain with %d turns emitted", round, turns)
				}
				turns = 0
				expectRole = RoleQuery
				continue
			}
			if !strings.HasPrefix(l, expectRole+": ") {
				t.Fatalf("round %d: line %q, want role %s", round, l, expectRole)
			}
			turns++
			if expectRole == RoleQuery {
				expectRole = RoleAnswer
			} else {
				expectRole = RoleQuery
			}
		}
		if turns != 0 {
			t.Fatalf("round %d: output does not end with a separator", round)
		}
	}
}
