package monkey

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrMonkey is the injected failure.
var ErrMonkey = errors.New("monkey error")

// Monkey injects random errors with a fixed probability. A nil Monkey or a
// zero chance never injects anything.
type Monkey struct {
	chance float64
	mu     sync.Mutex
	rnd    *rand.Rand
}

// New ...
func New(chance float64, seed int64) *Monkey {
	return &Monkey{
		chance: chance,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// RandomizeError with some probability replaces a nil error with ErrMonkey.
func (m *Monkey) RandomizeError(err error) error {
	if err != nil {
		return err
	}
	if m == nil || m.chance <= 0 {
		return nil
	}
	m.mu.Lock()
	roll := m.rnd.Float64()
	m.mu.Unlock()
	if roll >= m.chance {
		return nil
	}
	return ErrMonkey
}
