// Package ordering implements the sibling ordering rules shared by sessions and
// timers: priority/creation ordering for timers and dotted hierarchical indexes
// for manual reordering.
package ordering

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

var (
	// ErrNoSibling is returned when a move has no neighbour in the requested direction.
	ErrNoSibling = errors.New("ordering: no sibling in that direction")
	// ErrNotFound is returned when the item to move is not among the siblings.
	ErrNotFound = errors.New("ordering: item not found")
)

// Direction of a manual move.
type Direction int

const (
	Up Direction = iota
	Down
)

// ParseDirection accepts "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return Up, errors.New("ordering: direction must be up or down")
}

// TimerLess reports whether a sorts before b.
//
// A defined priority outranks an undefined one, a higher priority comes
// first, and equal (or both undefined) priorities fall back to ascending
// creation time.
func TimerLess(a, b types.Timer) bool {
	switch {
	case a.Priority != nil && b.Priority == nil:
		return true
	case a.Priority == nil && b.Priority != nil:
		return false
	case a.Priority != nil && b.Priority != nil && *a.Priority != *b.Priority:
		return *a.Priority > *b.Priority
	}
	return a.CreatedAt < b.CreatedAt
}

// SortTimers sorts timers in place, keeping input order among full ties.
func SortTimers(timers []types.Timer) {
	sort.SliceStable(timers, func(i, j int) bool {
		return TimerLess(timers[i], timers[j])
	})
}

// CompareIndex compares two hierarchical indexes segment by segment.
// It returns -1, 0 or 1. Numeric segments compare numerically; a segment
// that is not a number falls back to string comparison. When one index is
// a strict prefix of the other the shorter one sorts first.
func CompareIndex(a, b string) int {
	as := splitIndex(a)
	bs := splitIndex(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

func splitIndex(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func compareSegment(a, b string) int {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Indexed is anything carrying a sibling index.
type Indexed interface {
	DocID() string
	GetIndex() string
}

// SortByIndex sorts items in place by their hierarchical index.
func SortByIndex[T Indexed](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return CompareIndex(items[i].GetIndex(), items[j].GetIndex()) < 0
	})
}

// IndexUpdate assigns a new index to one document.
type IndexUpdate struct {
	ID    string
	Index string
}

// Swap computes the two index updates that move id one step in dir among
// siblings. Both updates must be applied in a single atomic batch.
func Swap[T Indexed](siblings []T, id string, dir Direction) ([2]IndexUpdate, error) {
	var out [2]IndexUpdate

	sorted := make([]T, len(siblings))
	copy(sorted, siblings)
	SortByIndex(sorted)

	pos := -1
	for i, s := range sorted {
		if s.DocID() == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return out, ErrNotFound
	}

	other := pos - 1
	if dir == Down {
		other = pos + 1
	}
	if other < 0 || other >= len(sorted) {
		return out, ErrNoSibling
	}

	a, b := sorted[pos], sorted[other]
	out[0] = IndexUpdate{ID: a.DocID(), Index: b.GetIndex()}
	out[1] = IndexUpdate{ID: b.DocID(), Index: a.GetIndex()}
	return out, nil
}
