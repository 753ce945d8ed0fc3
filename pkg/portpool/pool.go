// Package portpool hands out TCP ports from a fixed inclusive range.
package portpool

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Pool tracks which ports of [min, max] are reserved. It is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	min      int
	max      int
	reserved []bool // reserved[p-min]
	inUse    int
}

// New creates a pool over the inclusive range [minPort, maxPort].
func New(minPort, maxPort int) (*Pool, error) {
	if minPort <= 0 || maxPort > 65535 {
		return nil, eris.Errorf("port range %d-%d outside 1-65535", minPort, maxPort)
	}
	if minPort > maxPort {
		return nil, eris.Errorf("invalid port range: min %d > max %d", minPort, maxPort)
	}
	return &Pool{
		min:      minPort,
		max:      maxPort,
		reserved: make([]bool, maxPort-minPort+1),
	}, nil
}

// Reserve returns the lowest free port. The second return value is false when every port in the
// range is taken; that is an expected outcome the caller must handle.
func (p *Pool) Reserve() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, taken := range p.reserved {
		if !taken {
			p.reserved[i] = true
			p.inUse++
			return p.min + i, true
		}
	}
	return 0, false
}

// Release returns a port to the pool. Releasing a free or out-of-range port is a no-op; the
// return value reports whether the port was actually reserved.
func (p *Pool) Release(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.min || port > p.max || !p.reserved[port-p.min] {
		return false
	}
	p.reserved[port-p.min] = false
	p.inUse--
	return true
}

// IsReserved reports whether port is currently handed out.
func (p *Pool) IsReserved(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.min || port > p.max {
		return false
	}
	return p.reserved[port-p.min]
}

// Free returns the number of ports available for reservation.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved) - p.inUse
}

// InUse returns the number of reserved ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Range returns the configured bounds.
func (p *Pool) Range() (int, int) {
	return p.min, p.max
}
