package tradegen

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrTooFewPermutations is returned when n items do not have at least twice
// as many orderings as requested, which would make unique draws slow and
// the check weak.
var ErrTooFewPermutations = errors.New("tradegen: not enough distinct orderings")

// TimeAdvances splits a random total below total seconds into n waits. The
// total is drawn uniform in [0, total); n+1 cut points are drawn uniform
// below it and sorted, and the waits are the gaps between neighbours, so
// they never sum past the total.
func (g *Generator) TimeAdvances(total int64, n int) []int64 {
	out := make([]int64, n)
	if n == 0 || total <= 0 {
		return out
	}
	span := g.rng.Int64N(total)
	if span == 0 {
		return out
	}
	cuts := make([]int64, n+1)
	for i := range cuts {
		cuts[i] = g.rng.Int64N(span)
	}
	slices.Sort(cuts)
	for i := range out {
		out[i] = cuts[i+1] - cuts[i]
	}
	return out
}

// Permutations returns k distinct random orderings of the indices 0..n-1.
func (g *Generator) Permutations(n, k int) ([][]int, error) {
	if n < 0 || k < 0 {
		return nil, fmt.Errorf("tradegen: invalid permutation request n=%d k=%d", n, k)
	}
	if !enoughOrderings(n, 2*k) {
		return nil, fmt.Errorf("%w: %d! < 2·%d", ErrTooFewPermutations, n, k)
	}

	seen := make(map[string]struct{}, k)
	out := make([][]int, 0, k)
	for len(out) < k {
		p := g.rng.Perm(n)
		key := permKey(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// enoughOrderings reports whether n! >= want without overflowing.
func enoughOrderings(n, want int) bool {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
		if f >= want {
			return true
		}
	}
	return f >= want
}

func permKey(p []int) string {
	var b strings.Builder
	for i, v := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// Apply reorders items by perm.
func Apply[T any](items []T, perm []int) []T {
	out := make([]T, len(perm))
	for i, j := range perm {
		out[i] = items[j]
	}
	return out
}
