package thread

// Decision is the outcome of comparing a new reply against a parent's
// currently chosen reply.
type Decision int

const (
	KeepPrevious Decision = iota
	Replace
)

func (d Decision) String() string {
	if d == Replace {
		return "replace"
	}
	return "keep_previous"
}

// ChooseChild decides whether candidate displaces previous as the chosen
// reply of their common parent. grandparentAuthor is only meaningful when
// hasGrandparent is true.
//
// A reply written by the grandparent's author continues the exchange and
// always wins. Otherwise the higher score wins, unless the previous reply is
// itself the grandparent's. Equal scores keep the previous reply.
func ChooseChild(candidate, previous *Line, grandparentAuthor string, hasGrandparent bool) Decision {
	if !hasGrandparent {
		if candidate.Score > previous.Score {
			return Replace
		}
		return KeepPrevious
	}
	if candidate.Author == grandparentAuthor {
		return Replace
	}
	if previous.Author != grandparentAuthor && candidate.Score > previous.Score {
		return Replace
	}
	return KeepPrevious
}

// ReconcileStats summarizes one Reconcile pass.
type ReconcileStats struct {
	Demoted  int // lines whose parent lay outside the cache
	Linked   int // parents that received their first child
	Replaced int // chosen children displaced by a later candidate
}

// Reconcile links every parent to a single chosen child, visiting lines in
// arrival order exactly once. Lines whose parent is not cached lose their
// parent link and become roots. Outcomes depend on arrival order; there is
// no backtracking.
func Reconcile(c *Cache) ReconcileStats {
	var st ReconcileStats
	for i := 0; i < c.Len(); i++ {
		l := c.At(i)
		if l.ParentID == "" {
			continue
		}

		parent, ok := c.Get(l.ParentID)
		if !ok {
			l.ParentID = ""
			st.Demoted++
			continue
		}

		if parent.ChildID == "" {
			parent.ChildID = l.ID
			st.Linked++
			continue
		}

		previous, ok := c.Get(parent.ChildID)
		if !ok {
			// The chosen child always comes from this cache.
			parent.ChildID = l.ID
			continue
		}

		var (
			gpAuthor string
			hasGP    bool
		)
		if parent.ParentID != "" {
			if gp, ok := c.Get(parent.ParentID); ok {
				gpAuthor, hasGP = gp.Author, true
			}
		}

		if ChooseChild(l, previous, gpAuthor, hasGP) == Replace {
			parent.ChildID = l.ID
			st.Replaced++
		}
	}
	return st
}
