// Package credentials holds the rotating pool of API keys used by the
// generation backend.
package credentials

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrEmptyPool is returned by Current when the pool holds no credentials.
// It is a configuration error and is never retried.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool is an ordered set of interchangeable credentials with a rotation
// cursor. Each pipeline instance owns its own Pool.
type Pool struct {
	mu       sync.Mutex
	keys     []string
	cursor   int
	observer func(cursor int)
	intn     func(n int) int
}

// Option configures a Pool.
type Option func(*Pool)

// WithCursor restores a previously persisted cursor. It is ignored when it
// falls outside the pool, in which case a random offset is used.
func WithCursor(cursor int) Option {
	return func(p *Pool) {
		if cursor >= 0 && cursor < len(p.keys) {
			p.cursor = cursor
		}
	}
}

// WithObserver registers fn to be called with the new cursor after every
// rotation or reload.
func WithObserver(fn func(cursor int)) Option {
	return func(p *Pool) { p.observer = fn }
}

// NewPool builds a pool from keys. Blank and duplicate keys are dropped.
// The cursor starts at a random offset so concurrent sessions spread load
// across the pool.
func NewPool(keys []string, opts ...Option) *Pool {
	p := &Pool{intn: rand.IntN}
	p.keys = normalize(keys)
	p.cursor = p.randomOffset()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) randomOffset() int {
	if len(p.keys) <= 1 {
		return 0
	}
	return p.intn(len(p.keys))
}

// Current returns the active credential.
func (p *Pool) Current() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", ErrEmptyPool
	}
	return p.keys[p.cursor], nil
}

// Rotate advances the cursor to the next credential. It reports false when
// the pool has one entry or none, since there is nothing to rotate to.
func (p *Pool) Rotate() bool {
	p.mu.Lock()
	if len(p.keys) <= 1 {
		p.mu.Unlock()
		return false
	}
	p.cursor = (p.cursor + 1) % len(p.keys)
	cursor, observer := p.cursor, p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(cursor)
	}
	return true
}

// Reload replaces the pool contents and resets the cursor to a fresh random
// offset.
func (p *Pool) Reload(keys []string) {
	p.mu.Lock()
	p.keys = normalize(keys)
	p.cursor = p.randomOffset()
	cursor, observer := p.cursor, p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(cursor)
	}
}

// Add appends key to the pool. It reports false if the key is blank or
// already present.
func (p *Pool) Add(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k == key {
			return false
		}
	}
	p.keys = append(p.keys, key)
	return true
}

// Remove deletes key from the pool. The cursor keeps pointing at the same
// credential when that credential survives.
func (p *Pool) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k != key {
			continue
		}
		p.keys = append(p.keys[:i], p.keys[i+1:]...)
		switch {
		case len(p.keys) == 0:
			p.cursor = 0
		case i < p.cursor:
			p.cursor--
		case p.cursor >= len(p.keys):
			p.cursor = 0
		}
		return true
	}
	return false
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Cursor returns the index of the active credential.
func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Keys returns a copy of the pool contents in order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Split returns one single-credential pool per key, for running independent
// workers that must never share a cursor.
func (p *Pool) Split() []*Pool {
	keys := p.Keys()
	pools := make([]*Pool, 0, len(keys))
	for _, k := range keys {
		pools = append(pools, NewPool([]string{k}))
	}
	return pools
}

// Fork returns an independent pool with the same credentials and a fresh
// random cursor. Rotations on either pool never move the other, and the
// fork has no observer.
func (p *Pool) Fork() *Pool {
	return NewPool(p.Keys())
}

// Mask renders a credential for logs and listings.
func Mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func normalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
