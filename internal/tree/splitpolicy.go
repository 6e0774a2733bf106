package tree

import "math"

// AccessSequence hints at the recent insertion pattern, used by the PACK
// policy to pick a delegate (spec §4.5).
type AccessSequence uint8

const (
	AccessNone AccessSequence = iota
	AccessForward
	AccessReverse
)

// SplitCandidate carries the inputs spec §4.5 requires a SplitPolicy to
// score: a candidate key-boundary offset, the insertion offset, whether
// the insert is a replacement, the resulting left/right sizes, the
// current and virtual (post-insert, pre-split) sizes, and the page
// capacity.
type SplitCandidate struct {
	BoundaryOffset int
	InsertOffset   int
	IsReplacement  bool
	LeftSize       int
	RightSize      int
	CurrentSize    int
	VirtualSize    int
	Capacity       int
	PriorBestScore int
	Access         AccessSequence
}

// SplitPolicy scores a candidate split boundary. Implementations return
// 0 if either half would exceed capacity; otherwise a positive goodness
// score. The caller picks the candidate with the largest score across
// every legal boundary (spec §4.5).
type SplitPolicy interface {
	Score(c SplitCandidate) int
	Name() string
}

func exceedsCapacity(c SplitCandidate) bool {
	return c.LeftSize > c.Capacity || c.RightSize > c.Capacity
}

// LeftPolicy maximizes the left half's size.
type LeftPolicy struct{}

func (LeftPolicy) Name() string { return "LEFT" }
func (LeftPolicy) Score(c SplitCandidate) int {
	if exceedsCapacity(c) {
		return 0
	}
	return c.LeftSize + 1
}

// RightPolicy maximizes the right half's size.
type RightPolicy struct{}

func (RightPolicy) Name() string { return "RIGHT" }
func (RightPolicy) Score(c SplitCandidate) int {
	if exceedsCapacity(c) {
		return 0
	}
	return c.RightSize + 1
}

// EvenPolicy favors an even split: score = capacity - |right - left|.
type EvenPolicy struct{}

func (EvenPolicy) Name() string { return "EVEN" }
func (EvenPolicy) Score(c SplitCandidate) int {
	if exceedsCapacity(c) {
		return 0
	}
	score := c.Capacity - absInt(c.RightSize-c.LeftSize)
	if score <= 0 {
		return 1
	}
	return score
}

// NicePolicy biases toward a 66/34 split favoring the left page, for
// append-dominant workloads: score = 2*capacity - |2*right - left|.
type NicePolicy struct{}

func (NicePolicy) Name() string { return "NICE" }
func (NicePolicy) Score(c SplitCandidate) int {
	if exceedsCapacity(c) {
		return 0
	}
	score := 2*c.Capacity - absInt(2*c.RightSize-c.LeftSize)
	if score <= 0 {
		return 1
	}
	return score
}

// Left90Policy drives the left half toward 90% fill:
// score = capacity - |0.9*capacity - leftSize|.
type Left90Policy struct{}

func (Left90Policy) Name() string { return "LEFT90" }
func (Left90Policy) Score(c SplitCandidate) int {
	return ninetyPercentScore(c, c.LeftSize)
}

// Right90Policy drives the right half toward 90% fill.
type Right90Policy struct{}

func (Right90Policy) Name() string { return "RIGHT90" }
func (Right90Policy) Score(c SplitCandidate) int {
	return ninetyPercentScore(c, c.RightSize)
}

func ninetyPercentScore(c SplitCandidate, halfSize int) int {
	if exceedsCapacity(c) {
		return 0
	}
	target := 0.9 * float64(c.Capacity)
	score := float64(c.Capacity) - math.Abs(target-float64(halfSize))
	if score <= 0 {
		return 1
	}
	return int(score)
}

// PackPolicy adapts to the access sequence: FORWARD delegates to
// LEFT90, REVERSE to RIGHT90, otherwise EVEN (spec §4.5).
type PackPolicy struct{}

func (PackPolicy) Name() string { return "PACK" }
func (PackPolicy) Score(c SplitCandidate) int {
	switch c.Access {
	case AccessForward:
		return Left90Policy{}.Score(c)
	case AccessReverse:
		return Right90Policy{}.Score(c)
	default:
		return EvenPolicy{}.Score(c)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ChooseSplit evaluates policy against every candidate and returns the
// index of the best-scoring legal candidate, or -1 if none is legal.
func ChooseSplit(policy SplitPolicy, candidates []SplitCandidate) int {
	best := -1
	bestScore := 0
	for i, c := range candidates {
		score := policy.Score(c)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}
