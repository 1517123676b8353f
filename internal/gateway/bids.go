package gateway

import "sync"

// bidLevelThresholds maps bid counts to badge levels: level i is reached at
// bidLevelThresholds[i-1] bids.
var bidLevelThresholds = []int{1, 5, 10, 25, 50}

// bidCounter tracks bids per sender. It is separate from violation state and
// never expires within the process.
type bidCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newBidCounter() *bidCounter {
	return &bidCounter{counts: make(map[string]int)}
}

// Increment records one bid and returns the new count and level.
func (b *bidCounter) Increment(sender string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[sender]++
	n := b.counts[sender]
	return n, levelFor(n)
}

// Level returns the sender's current badge level.
func (b *bidCounter) Level(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return levelFor(b.counts[sender])
}

func levelFor(count int) int {
	level := 0
	for i, threshold := range bidLevelThresholds {
		if count >= threshold {
			level = i + 1
		}
	}
	return level
}
