package thread

import (
	"fmt"
	"io"
	"strings"
)

const (
	// RoleQuery labels the root and every other turn after it.
	RoleQuery = "X"
	// RoleAnswer labels the replies to RoleQuery turns.
	RoleAnswer = "A"
	// Separator ends every emitted chain.
	Separator = "==="
)

// Chain is the sequence of bodies along one root-to-leaf walk of chosen
// children.
type Chain struct {
	RootID string
	Turns  []string
}

// Complete reports whether every query turn has an answer.
func (ch Chain) Complete() bool {
	return len(ch.Turns) > 0 && len(ch.Turns)%2 == 0
}

// Role returns the label of the i-th turn.
func Role(i int) string {
	if i%2 == 0 {
		return RoleQuery
	}
	return RoleAnswer
}

// Format renders the chain as "<role>: <body>" lines followed by the
// separator line.
func (ch Chain) Format() string {
	var b strings.Builder
	for i, t := range ch.Turns {
		b.WriteString(Role(i))
		b.WriteString(": ")
		b.WriteString(t)
		b.WriteByte('\n')
	}
	b.WriteString(Separator)
	b.WriteByte('\n')
	return b.String()
}

// Chains walks every root that has a chosen child, in arrival order. Walks
// stop at an unset or uncached child, or at a line already visited on the
// same walk. Chains of odd length are included; callers filter with
// Complete.
func Chains(c *Cache) []Chain {
	var out []Chain
	w := newWalker(c)
	for i := 0; i < c.Len(); i++ {
		l := c.At(i)
		if l.ParentID != "" || l.ChildID == "" {
			continue
		}
		out = append(out, w.walk(i))
	}
	return out
}

type walker struct {
	c     *Cache
	seen  []uint32
	stamp uint32
}

func newWalker(c *Cache) *walker {
	return &walker{c: c, seen: make([]uint32, c.Len())}
}

func (w *walker) walk(root int) Chain {
	w.stamp++
	ch := Chain{RootID: w.c.At(root).ID}
	idx := root
	for {
		w.seen[idx] = w.stamp
		l := w.c.At(idx)
		ch.Turns = append(ch.Turns, l.Body)
		if l.ChildID == "" {
			return ch
		}
		next, ok := w.c.index[l.ChildID]
		if !ok || w.seen[next] == w.stamp {
			return ch
		}
		idx = next
	}
}

// EmitStats summarizes one Emit call.
type EmitStats struct {
	Chains  int // complete chains written
	Turns   int // lines written across those chains
	Dropped int // odd-length chains skipped
	Bytes   int64
}

// Emit writes every complete chain in c to w, one Write per chain.
// Odd-length chains are dropped so no question is left unanswered.
func Emit(c *Cache, w io.Writer) (EmitStats, error) {
	var st EmitStats
	for _, ch := range Chains(c) {
		if !ch.Complete() {
			st.Dropped++
			continue
		}
		n, err := io.WriteString(w, ch.Format())
		st.Bytes += int64(n)
		if err != nil {
			return st, fmt.Errorf("writing chain %s: %w", ch.RootID, err)
		}
		st.Chains++
		st.Turns += len(ch.Turns)
	}
	return st, nil
}
