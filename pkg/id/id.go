// Package id generates lexicographically sortable identifiers for matches, teams, tickets and
// dungeons.
package id

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/rotisserie/eris"
)

// Generator produces ULIDs that sort by creation time and never repeat within a process, even
// when many are requested in the same millisecond or the wall clock steps backwards.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
	lastMs  uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithEntropy overrides the random source. The reader is wrapped in monotonic entropy.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) { g.entropy = ulid.Monotonic(r, 0) }
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New returns the next identifier.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		ms = g.lastMs
	}

	id, err := ulid.New(ms, g.entropy)
	if eris.Is(err, ulid.ErrMonotonicOverflow) {
		// Random component is exhausted for this millisecond, borrow the next one.
		ms++
		id, err = ulid.New(ms, g.entropy)
	}
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(eris.Wrap(err, "failed to generate ulid"))
	}

	g.lastMs = ms
	return id.String()
}

// Time extracts the creation time encoded in an identifier produced by New.
func Time(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid id %q", s)
	}
	return ulid.Time(id.Time()), nil
}
