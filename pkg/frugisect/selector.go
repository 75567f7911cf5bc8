package frugisect

import (
	"fmt"
	"math"
	"sort"
)

// A RevisionCost pairs a candidate revision with its rebuild cost.
type RevisionCost struct {
	Revision string
	Cost     int
}

// A Candidate is one possible next probe, scored by the expected total
// rebuild cost of finishing bisection when starting with it.
type Candidate struct {
	Revision string

	Cost     int     // Rebuild cost of testing this revision now
	Expected float64 // Expected total remaining rebuild cost when picking it

	CommitsIfGood  int // Candidates remaining if the verdict is good (the newer side)
	CommitsIfBad   int // Candidates remaining if the verdict is bad (the older side)
	RebuildsIfGood int // Summed rebuild cost of the newer side
	RebuildsIfBad  int // Summed rebuild cost of the older side
}

// ChooseNext returns the revision to test next, picked to minimize the
// expected total rebuild cost over the rest of the bisection.
//
// The fault is assumed uniformly distributed among the candidates, so testing
// position i comes out bad with probability (i+1)/n, narrowing to the i older
// candidates, and good otherwise, narrowing to the n-i-1 newer ones. The
// expected cost of a range is solved by dynamic programming over sub-ranges:
//
//	E[lo, hi) = min_i ( cost[i] + (i-lo+1)/n * E[lo, i) + (hi-i-1)/n * E[i+1, hi) )
//
// with E of an empty range being 0. Ties are broken deterministically towards
// the position closest to the range's midpoint, then towards the earliest
// position, so a uniform cost vector recovers ordinary bisection.
//
// A singleton range returns its only revision without consulting cost; an
// empty range returns ErrEmptyRange.
func ChooseNext(costs []RevisionCost) (string, error) {
	switch len(costs) {
	case 0:
		return "", ErrEmptyRange
	case 1:
		return costs[0].Revision, nil
	}
	if err := validateCosts(costs); err != nil {
		return "", err
	}

	table := solve(costs)
	return costs[table.pivot[0][len(costs)]].Revision, nil
}

// Rank scores every candidate with the same objective ChooseNext minimizes
// and returns them best first. The first entry is always the revision
// ChooseNext would pick.
func Rank(costs []RevisionCost) ([]Candidate, error) {
	n := len(costs)
	if n == 0 {
		return nil, ErrEmptyRange
	}
	if err := validateCosts(costs); err != nil {
		return nil, err
	}

	table := solve(costs)

	costPrefix := make([]int, n+1)
	for i, c := range costs {
		costPrefix[i+1] = costPrefix[i] + c.Cost
	}

	candidates := make([]Candidate, n)
	order := make([]int, n)
	for i := range costs {
		candidates[i] = Candidate{
			Revision: costs[i].Revision,
			Cost:     costs[i].Cost,
			Expected: pivotScore(costs, table.expected, 0, n, i),

			CommitsIfGood:  n - i - 1,
			CommitsIfBad:   i,
			RebuildsIfGood: costPrefix[n] - costPrefix[i+1],
			RebuildsIfBad:  costPrefix[i],
		}
		order[i] = i
	}

	mid := float64(n-1) / 2
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if !scoresTie(candidates[i].Expected, candidates[j].Expected) {
			return candidates[i].Expected < candidates[j].Expected
		}
		di, dj := math.Abs(float64(i)-mid), math.Abs(float64(j)-mid)
		if di != dj {
			return di < dj
		}
		return i < j
	})

	ranked := make([]Candidate, n)
	for i, idx := range order {
		ranked[i] = candidates[idx]
	}
	return ranked, nil
}

// ExpectedRemaining returns the minimum expected total rebuild cost of
// finishing bisection over the given range, including the cost of the next
// probe itself. An empty range costs nothing.
func ExpectedRemaining(costs []RevisionCost) float64 {
	if len(costs) == 0 {
		return 0
	}
	if validateCosts(costs) != nil {
		return 0
	}
	table := solve(costs)
	return table.expected[0][len(costs)]
}

type dpTable struct {
	// expected[lo][hi] is the minimum expected remaining cost of the
	// sub-range [lo, hi); pivot[lo][hi] the position achieving it
	expected [][]float64
	pivot    [][]int
}

// solve fills the DP table bottom-up by sub-range length. O(n^3), which is
// fine for the range sizes bisection sessions see; the table lives only for
// one call since verdicts arrive from outside between calls anyway.
func solve(costs []RevisionCost) dpTable {
	n := len(costs)
	table := dpTable{
		expected: make([][]float64, n+1),
		pivot:    make([][]int, n+1),
	}
	for lo := 0; lo <= n; lo++ {
		table.expected[lo] = make([]float64, n+1)
		table.pivot[lo] = make([]int, n+1)
	}

	for length := 1; length <= n; length++ {
		for lo := 0; lo+length <= n; lo++ {
			hi := lo + length

			best := lo
			bestScore := pivotScore(costs, table.expected, lo, hi, lo)
			for i := lo + 1; i < hi; i++ {
				score := pivotScore(costs, table.expected, lo, hi, i)
				if score < bestScore {
					bestScore, best = score, i
				}
			}

			// Collapse float noise between mathematically equal pivots, then
			// prefer the one closest to the midpoint, as plain bisection would
			mid := float64(lo+hi-1) / 2
			for i := lo; i < hi; i++ {
				if i == best {
					continue
				}
				score := pivotScore(costs, table.expected, lo, hi, i)
				if !scoresTie(score, bestScore) {
					continue
				}
				di, dBest := math.Abs(float64(i)-mid), math.Abs(float64(best)-mid)
				if di < dBest || (di == dBest && i < best) {
					best = i
				}
			}

			table.expected[lo][hi] = bestScore
			table.pivot[lo][hi] = best
		}
	}
	return table
}

// pivotScore is the expected total remaining cost of probing position i of
// the sub-range [lo, hi) first.
func pivotScore(costs []RevisionCost, expected [][]float64, lo, hi, i int) float64 {
	n := float64(hi - lo)
	pBad := float64(i-lo+1) / n
	pGood := float64(hi-i-1) / n
	return float64(costs[i].Cost) + pBad*expected[lo][i] + pGood*expected[i+1][hi]
}

// scoresTie treats scores within float rounding noise of each other as equal
// so tie-breaking stays stable across platforms.
func scoresTie(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*(1+math.Min(math.Abs(a), math.Abs(b)))
}

func validateCosts(costs []RevisionCost) error {
	for _, c := range costs {
		if c.Cost < 0 {
			return fmt.Errorf("negative cost %d for revision %s", c.Cost, c.Revision)
		}
	}
	return nil
}
