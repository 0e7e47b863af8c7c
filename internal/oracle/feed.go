package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const feedCapacity = 64

// MemoryFeed is the in-process primary feed. The price-feeder role pushes
// rounds into it; IDs start at 1 and increase by one per push. Only the
// last feedCapacity rounds per token are retained, which comfortably
// covers any sample window.
type MemoryFeed struct {
	mu     sync.RWMutex
	rounds map[string][]Round
	nextID map[string]int64
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		rounds: make(map[string][]Round),
		nextID: make(map[string]int64),
	}
}

// Push appends a round for the token and returns it.
func (f *MemoryFeed) Push(symbol string, answer decimal.Decimal, at time.Time) Round {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID[symbol]++
	round := Round{ID: f.nextID[symbol], Answer: answer, UpdatedAt: at}
	rounds := append(f.rounds[symbol], round)
	if len(rounds) > feedCapacity {
		rounds = rounds[len(rounds)-feedCapacity:]
	}
	f.rounds[symbol] = rounds
	return round
}

// LatestRound returns the most recent round for the token.
func (f *MemoryFeed) LatestRound(_ context.Context, symbol string) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds := f.rounds[symbol]
	if len(rounds) == 0 {
		return Round{}, fmt.Errorf("%w: %s", ErrRoundNotFound, symbol)
	}
	return rounds[len(rounds)-1], nil
}

// RoundData returns the round with the given ID, if still retained.
func (f *MemoryFeed) RoundData(_ context.Context, symbol string, id int64) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds := f.rounds[symbol]
	if len(rounds) == 0 {
		return Round{}, fmt.Errorf("%w: %s", ErrRoundNotFound, symbol)
	}
	first := rounds[0].ID
	idx := id - first
	if idx < 0 || idx >= int64(len(rounds)) {
		return Round{}, fmt.Errorf("%w: %s round %d", ErrRoundNotFound, symbol, id)
	}
	return rounds[idx], nil
}
