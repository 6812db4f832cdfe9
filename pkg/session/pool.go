// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jllopis/capcore/pkg/errors"
)

// State of a session slot.
type State int

const (
	Uninitialized State = iota
	Initializing
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExpiryPolicy reports whether a session created at createdAt should be
// considered gone at now.
type ExpiryPolicy func(createdAt, now time.Time) bool

// TTL returns a policy expiring sessions older than d. A non-positive d never expires.
func TTL(d time.Duration) ExpiryPolicy {
	if d <= 0 {
		return nil
	}
	return func(createdAt, now time.Time) bool {
		return now.Sub(createdAt) >= d
	}
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	expiry      ExpiryPolicy
	initTimeout time.Duration
	now         func() time.Time
}

// WithExpiryPolicy sets the policy consulted on every access. Nil keeps sessions
// for the process lifetime.
func WithExpiryPolicy(p ExpiryPolicy) PoolOption {
	return func(o *poolOptions) { o.expiry = p }
}

// WithInitTimeout bounds each shared initialization.
func WithInitTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.initTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PoolOption {
	return func(o *poolOptions) {
		if now != nil {
			o.now = now
		}
	}
}

type slot[R any] struct {
	state     State
	record    R
	createdAt time.Time
}

// Pool is an arena of session slots keyed by Key and indexed by session ID. The
// pool lock only guards map access; initialization runs outside it, once per
// key, shared by every caller waiting on that key. Slots are replaced, never
// mutated, so readers only need the shared lock.
type Pool[R any] struct {
	mu      sync.RWMutex
	slots   map[Key]*slot[R]
	byID    map[ID]Key
	idOf    func(R) ID
	discard func(R)
	group   singleflight.Group
	opts    poolOptions
}

// NewPool creates an empty pool. idOf returns the session ID a record answers to.
func NewPool[R any](idOf func(R) ID, opts ...PoolOption) *Pool[R] {
	o := poolOptions{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Pool[R]{
		slots: make(map[Key]*slot[R]),
		byID:  make(map[ID]Key),
		idOf:  idOf,
		opts:  o,
	}
}

// OnDiscard sets the function releasing records the pool initialized but did not
// keep: the slot was drained, or another record was stored, while init ran.
func (p *Pool[R]) OnDiscard(fn func(R)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discard = fn
}

// put replaces key's slot and keeps the ID index in step. Callers hold p.mu.
func (p *Pool[R]) put(key Key, s *slot[R]) {
	if old, ok := p.slots[key]; ok && old.state == Active {
		if id := p.idOf(old.record); p.byID[id] == key {
			delete(p.byID, id)
		}
	}
	p.slots[key] = s
	if s.state == Active {
		p.byID[p.idOf(s.record)] = key
	}
}

// GetOrCreate returns the Active record for key, or runs init to create one.
// Concurrent callers for the same key share one init call. init runs on a context
// detached from ctx so an abandoning caller does not cancel it for the others.
// The bool result reports whether the record came from init rather than the cache.
func (p *Pool[R]) GetOrCreate(ctx context.Context, key Key, init func(context.Context) (R, error)) (R, bool, error) {
	if rec, ok := p.active(key); ok {
		return rec, false, nil
	}

	ch := p.group.DoChan(key.String(), func() (any, error) {
		if rec, ok := p.active(key); ok {
			return rec, nil
		}
		p.setState(key, Initializing)

		ictx := context.WithoutCancel(ctx)
		if p.opts.initTimeout > 0 {
			var cancel context.CancelFunc
			ictx, cancel = context.WithTimeout(ictx, p.opts.initTimeout)
			defer cancel()
		}
		rec, err := init(ictx)
		return p.settle(key, rec, err)
	})

	var zero R
	select {
	case <-ctx.Done():
		return zero, false, errors.New(errors.CodeTransport, "waiting for session initialization", ctx.Err()).
			WithContext("capability_id", key.CapabilityID)
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		rec, _ := res.Val.(R)
		return rec, true, nil
	}
}

// settle records the outcome of an init for key. A slot drained while init ran
// stays Terminated and the new record is discarded; a record stored meanwhile
// wins over the new one.
func (p *Pool[R]) settle(key Key, rec R, err error) (R, error) {
	var zero R
	p.mu.Lock()
	cur := p.slots[key]
	switch {
	case cur != nil && cur.state == Terminated:
		discard := p.discard
		p.mu.Unlock()
		if err == nil && discard != nil {
			discard(rec)
		}
		if err != nil {
			return zero, err
		}
		return zero, errors.New(errors.CodeTransport, "session pool closed during initialization", nil).
			WithContext("capability_id", key.CapabilityID)
	case err != nil:
		p.put(key, &slot[R]{state: Uninitialized})
		p.mu.Unlock()
		return zero, err
	case cur != nil && cur.state == Active:
		kept, discard := cur.record, p.discard
		p.mu.Unlock()
		if discard != nil {
			discard(rec)
		}
		return kept, nil
	default:
		p.put(key, &slot[R]{state: Active, record: rec, createdAt: p.opts.now()})
		p.mu.Unlock()
		return rec, nil
	}
}

// active returns the record for key if its slot is Active and not expired by
// policy. An expired slot is moved back to Uninitialized.
func (p *Pool[R]) active(key Key) (R, bool) {
	var zero R
	p.mu.RLock()
	s, ok := p.slots[key]
	p.mu.RUnlock()
	if !ok || s.state != Active {
		return zero, false
	}
	if p.opts.expiry == nil || !p.opts.expiry(s.createdAt, p.opts.now()) {
		return s.record, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[key] == s {
		p.put(key, &slot[R]{state: Uninitialized})
	}
	return zero, false
}

func (p *Pool[R]) setState(key Key, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(key, &slot[R]{state: state})
}

// Store makes rec the Active record for key and returns the record it replaced.
func (p *Pool[R]) Store(key Key, rec R) (R, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var prev R
	replaced := false
	if s, ok := p.slots[key]; ok && s.state == Active {
		prev, replaced = s.record, true
	}
	p.put(key, &slot[R]{state: Active, record: rec, createdAt: p.opts.now()})
	return prev, replaced
}

// Lookup returns the Active record answering to id.
func (p *Pool[R]) Lookup(id ID) (Key, R, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var zero R
	key, ok := p.byID[id]
	if !ok {
		return Key{}, zero, false
	}
	s := p.slots[key]
	if s == nil || s.state != Active {
		return Key{}, zero, false
	}
	return key, s.record, true
}

// Reset moves key from Active back to Uninitialized when its record matches fn.
// Other keys are never touched.
func (p *Pool[R]) Reset(key Key, fn func(R) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok || s.state != Active || (fn != nil && !fn(s.record)) {
		return false
	}
	p.put(key, &slot[R]{state: Uninitialized})
	return true
}

// Remove marks the slot holding session id as Terminated and returns its record.
func (p *Pool[R]) Remove(id ID) (R, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero R
	key, ok := p.byID[id]
	if !ok {
		return zero, false
	}
	s := p.slots[key]
	if s == nil || s.state != Active {
		return zero, false
	}
	p.put(key, &slot[R]{state: Terminated})
	return s.record, true
}

// Drain marks every slot Terminated and returns the Active records. A slot still
// initializing is terminated too; its record goes to the OnDiscard function when
// init completes.
func (p *Pool[R]) Drain() []R {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]R, 0, len(p.slots))
	for k, s := range p.slots {
		if s.state == Active {
			out = append(out, s.record)
		}
		p.put(k, &slot[R]{state: Terminated})
	}
	return out
}

// Len returns the number of Active slots.
func (p *Pool[R]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.slots {
		if s.state == Active {
			n++
		}
	}
	return n
}

// States returns a snapshot of every known slot's state.
func (p *Pool[R]) States() map[Key]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Key]State, len(p.slots))
	for k, s := range p.slots {
		out[k] = s.state
	}
	return out
}
