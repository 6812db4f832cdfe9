// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records one event per capability execution. Events carry routing
// and outcome only; arguments, results and credentials are never stored.
package audit

import (
	"context"
	"sync"
	"time"
)

// Event statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event describes one execution.
type Event struct {
	ID           string
	CapabilityID string
	Route        string
	// Provider is the session family for session routes and the provider kind
	// otherwise.
	Provider   string
	Status     string
	ErrorCode  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the execution took.
func (e Event) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Store persists execution events.
type Store interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Filter limits event queries. Zero fields match everything.
type Filter struct {
	CapabilityID string
	Route        string
	Status       string
	Limit        int
}

func (f Filter) match(ev Event) bool {
	if f.CapabilityID != "" && ev.CapabilityID != f.CapabilityID {
		return false
	}
	if f.Route != "" && ev.Route != f.Route {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return true
}

// MemoryStore keeps events in memory.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore returns an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an event.
func (s *MemoryStore) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.StartedAt = normalizeTime(event.StartedAt)
	event.FinishedAt = normalizeTime(event.FinishedAt)
	s.events = append(s.events, event)
	return nil
}

// List returns matching events in recording order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
