package merge

import (
	"slices"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// hunk replaces original[start:end] with lines. start == end is an
// insertion before original[start].
type hunk struct {
	side  side
	start int
	end   int
	lines []string
}

func (h hunk) insertion() bool { return h.start == h.end }

type side uint8

const (
	sideCurrent side = iota
	sideProposed
)

// lineEncoder maps every distinct line to one rune so go-diff can run its
// character diff over whole lines.
type lineEncoder struct {
	index map[string]rune
	lines []string
}

func newLineEncoder() *lineEncoder {
	return &lineEncoder{index: make(map[string]rune)}
}

func (e *lineEncoder) encode(lines []string) []rune {
	runes := make([]rune, len(lines))
	for i, line := range lines {
		r, ok := e.index[line]
		if !ok {
			r = runeFor(len(e.lines))
			e.index[line] = r
			e.lines = append(e.lines, line)
		}
		runes[i] = r
	}
	return runes
}

// runeFor skips the surrogate range, which does not survive a round trip
// through a Go string.
func runeFor(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func lineHunks(s side, original, changed []string) []hunk {
	if slices.Equal(original, changed) {
		return nil
	}
	encoder := newLineEncoder()
	a := encoder.encode(original)
	b := encoder.encode(changed)

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(a, b, false)

	var (
		hunks   []hunk
		pending *hunk
		pos     int
	)
	flush := func() {
		if pending != nil {
			hunks = append(hunks, *pending)
			pending = nil
		}
	}
	open := func() {
		if pending == nil {
			pending = &hunk{side: s, start: pos, end: pos}
		}
	}
	for _, d := range diffs {
		count := 0
		for range d.Text {
			count++
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += count
		case diffmatchpatch.DiffDelete:
			open()
			pos += count
			pending.end = pos
		case diffmatchpatch.DiffInsert:
			open()
			for _, r := range d.Text {
				pending.lines = append(pending.lines, encoder.lines[lineIndex(r)])
			}
		}
	}
	flush()
	return hunks
}

func lineIndex(r rune) int {
	if r >= 0xD800+0x800 {
		r -= 0x800
	}
	return int(r) - 1
}

func overlaps(a, b hunk) bool {
	switch {
	case a.insertion() && b.insertion():
		return a.start == b.start
	case a.insertion():
		return b.start < a.start && a.start < b.end
	case b.insertion():
		return a.start < b.start && b.start < a.end
	default:
		return a.start < b.end && b.start < a.end
	}
}

// group is a transitive cluster of overlapping hunks spanning
// original[start:end].
type group struct {
	start int
	end   int
	hunks []hunk
}

func groupHunks(hunks []hunk) []group {
	parent := make([]int, len(hunks))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range hunks {
		for j := i + 1; j < len(hunks); j++ {
			if overlaps(hunks[i], hunks[j]) {
				parent[find(j)] = find(i)
			}
		}
	}

	byRoot := make(map[int]*group)
	var roots []int
	for i, h := range hunks {
		root := find(i)
		g, ok := byRoot[root]
		if !ok {
			g = &group{start: h.start, end: h.end}
			byRoot[root] = g
			roots = append(roots, root)
		}
		g.start = min(g.start, h.start)
		g.end = max(g.end, h.end)
		g.hunks = append(g.hunks, h)
	}

	groups := make([]group, 0, len(roots))
	for _, root := range roots {
		g := byRoot[root]
		slices.SortStableFunc(g.hunks, compareHunks)
		groups = append(groups, *g)
	}
	slices.SortStableFunc(groups, func(a, b group) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return a.end - b.end
	})
	return groups
}

func compareHunks(a, b hunk) int {
	if a.start != b.start {
		return a.start - b.start
	}
	if a.end != b.end {
		return a.end - b.end
	}
	return int(a.side) - int(b.side)
}

// apply rebuilds original[g.start:g.end] with the hunks of one side.
func (g group) apply(original []string, s side) ([]string, bool) {
	var (
		out     []string
		pos     = g.start
		touched bool
	)
	for _, h := range g.hunks {
		if h.side != s {
			continue
		}
		touched = true
		out = append(out, original[pos:h.start]...)
		out = append(out, h.lines...)
		pos = h.end
	}
	out = append(out, original[pos:g.end]...)
	return out, touched
}

func (g group) insertionsOnly() bool {
	for _, h := range g.hunks {
		if !h.insertion() {
			return false
		}
	}
	return true
}
