// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/capcore/pkg/errors"
)

func stringID(s string) ID { return ID(s) }

func intID(n int) ID { return ID(strconv.Itoa(n)) }

func TestPoolSingleFlight(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "mcp.tool.v1", ServerURL: "http://x"}

	var inits atomic.Int32
	release := make(chan struct{})
	init := func(context.Context) (string, error) {
		inits.Add(1)
		<-release
		return "sess-1", nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = p.GetOrCreate(context.Background(), key, init)
		}(i)
	}
	// Let the callers pile up on the in-flight initialization.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := inits.Load(); got != 1 {
		t.Fatalf("expected exactly one initialization, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "sess-1" {
			t.Fatalf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
	if p.States()[key] != Active {
		t.Errorf("expected active slot, got %s", p.States()[key])
	}
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "a", ServerURL: "u"}
	var inits int
	init := func(context.Context) (string, error) {
		inits++
		return fmt.Sprintf("s%d", inits), nil
	}

	first, fresh, err := p.GetOrCreate(context.Background(), key, init)
	if err != nil || !fresh {
		t.Fatalf("first call: %q fresh=%v err=%v", first, fresh, err)
	}
	second, fresh, err := p.GetOrCreate(context.Background(), key, init)
	if err != nil || fresh || second != first {
		t.Fatalf("second call: %q fresh=%v err=%v", second, fresh, err)
	}
	if inits != 1 {
		t.Errorf("expected one init, got %d", inits)
	}
	if p.Len() != 1 {
		t.Errorf("expected one active slot, got %d", p.Len())
	}
}

func TestPoolInitFailureLeavesUninitialized(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "a", ServerURL: "u"}
	boom := errors.New(errors.CodeTransport, "connection refused", nil)

	if _, _, err := p.GetOrCreate(context.Background(), key, func(context.Context) (string, error) {
		return "", boom
	}); !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if p.States()[key] != Uninitialized {
		t.Errorf("expected uninitialized, got %s", p.States()[key])
	}

	got, _, err := p.GetOrCreate(context.Background(), key, func(context.Context) (string, error) {
		return "s2", nil
	})
	if err != nil || got != "s2" {
		t.Fatalf("expected retry to initialize, got %q %v", got, err)
	}
}

func TestPoolWaiterCancellationDoesNotCancelInit(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "a", ServerURL: "u"}

	started := make(chan struct{})
	release := make(chan struct{})
	var initCtxErr atomic.Value
	init := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			initCtxErr.Store(err)
		}
		return "shared", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := p.GetOrCreate(ctx, key, init)
		firstErr <- err
	}()
	<-started

	secondRes := make(chan string, 1)
	go func() {
		got, _, _ := p.GetOrCreate(context.Background(), key, init)
		secondRes <- got
	}()

	cancel()
	if err := <-firstErr; !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected abandoning caller to get transport error, got %v", err)
	}
	close(release)

	if got := <-secondRes; got != "shared" {
		t.Fatalf("expected other waiter to receive shared session, got %q", got)
	}
	if err := initCtxErr.Load(); err != nil {
		t.Errorf("initialization context was canceled: %v", err)
	}
}

func TestPoolResetOnlyTouchesOneKey(t *testing.T) {
	p := NewPool(stringID)
	a := Key{CapabilityID: "a", ServerURL: "u"}
	b := Key{CapabilityID: "b", ServerURL: "u"}
	_, _, _ = p.GetOrCreate(context.Background(), a, func(context.Context) (string, error) { return "sa", nil })
	_, _, _ = p.GetOrCreate(context.Background(), b, func(context.Context) (string, error) { return "sb", nil })

	if p.Reset(a, func(r string) bool { return r == "stale" }) {
		t.Fatal("reset should not match a newer record")
	}
	if !p.Reset(a, func(r string) bool { return r == "sa" }) {
		t.Fatal("expected reset to match")
	}
	states := p.States()
	if states[a] != Uninitialized || states[b] != Active {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestPoolRemoveAndDrain(t *testing.T) {
	p := NewPool(stringID)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		_, _, _ = p.GetOrCreate(context.Background(), Key{CapabilityID: id}, func(context.Context) (string, error) {
			return "s-" + id, nil
		})
	}

	rec, ok := p.Remove("s-b")
	if !ok || rec != "s-b" {
		t.Fatalf("unexpected remove result %q %v", rec, ok)
	}
	if p.States()[Key{CapabilityID: "b"}] != Terminated {
		t.Errorf("expected b terminated")
	}
	if _, ok := p.Remove("s-b"); ok {
		t.Error("terminated slot should not be removed twice")
	}
	if key, rec, ok := p.Lookup("s-a"); !ok || rec != "s-a" || key.CapabilityID != "a" {
		t.Errorf("expected to find s-a, got %v %q %v", key, rec, ok)
	}
	if _, _, ok := p.Lookup("s-b"); ok {
		t.Error("terminated session should not be found")
	}

	drained := p.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained records, got %v", drained)
	}
	if p.Len() != 0 {
		t.Errorf("expected empty pool, got %d", p.Len())
	}
	for k, s := range p.States() {
		if s != Terminated {
			t.Errorf("slot %s: expected terminated, got %s", k, s)
		}
	}
}

func TestPoolExpiryPolicy(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := NewPool(intID, WithExpiryPolicy(TTL(time.Minute)), WithClock(clock))
	key := Key{CapabilityID: "a"}
	var inits int
	init := func(context.Context) (int, error) {
		inits++
		return inits, nil
	}

	_, _, _ = p.GetOrCreate(context.Background(), key, init)
	now = now.Add(30 * time.Second)
	if got, _, _ := p.GetOrCreate(context.Background(), key, init); got != 1 {
		t.Fatalf("expected cached session before ttl, got %d", got)
	}
	now = now.Add(time.Minute)
	if got, _, _ := p.GetOrCreate(context.Background(), key, init); got != 2 {
		t.Fatalf("expected new session after ttl, got %d", got)
	}
}

func TestTTLNonPositive(t *testing.T) {
	if TTL(0) != nil {
		t.Error("zero ttl should disable expiry")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Uninitialized: "uninitialized",
		Initializing:  "initializing",
		Active:        "active",
		Terminated:    "terminated",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestPoolStore(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "a"}
	if _, replaced := p.Store(key, "s1"); replaced {
		t.Fatal("nothing to replace yet")
	}
	prev, replaced := p.Store(key, "s2")
	if !replaced || prev != "s1" {
		t.Fatalf("expected s1 replaced, got %q %v", prev, replaced)
	}
	got, fresh, err := p.GetOrCreate(context.Background(), key, func(context.Context) (string, error) {
		t.Fatal("init should not run for a stored record")
		return "", nil
	})
	if err != nil || fresh || got != "s2" {
		t.Fatalf("unexpected GetOrCreate %q %v %v", got, fresh, err)
	}
}

func TestPoolDrainDuringInitialization(t *testing.T) {
	p := NewPool(stringID)
	var discarded []string
	var mu sync.Mutex
	p.OnDiscard(func(r string) {
		mu.Lock()
		defer mu.Unlock()
		discarded = append(discarded, r)
	})
	key := Key{CapabilityID: "a", ServerURL: "u"}
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, _, err := p.GetOrCreate(context.Background(), key, func(context.Context) (string, error) {
			close(started)
			<-release
			return "late", nil
		})
		done <- err
	}()
	<-started
	if st := p.States()[key]; st != Initializing {
		t.Fatalf("expected initializing slot, got %s", st)
	}
	if drained := p.Drain(); len(drained) != 0 {
		t.Fatalf("expected nothing active to drain, got %v", drained)
	}
	close(release)

	if err := <-done; !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected closed-pool error, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected no active sessions after drain, got %d", p.Len())
	}
	if st := p.States()[key]; st != Terminated {
		t.Fatalf("expected terminated slot, got %s", st)
	}
	if _, _, ok := p.Lookup("late"); ok {
		t.Fatal("discarded record must not be reachable")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(discarded) != 1 || discarded[0] != "late" {
		t.Fatalf("expected the late record handed back, got %v", discarded)
	}
}

func TestPoolStoreDuringInitializationWins(t *testing.T) {
	p := NewPool(stringID)
	var discarded []string
	p.OnDiscard(func(r string) { discarded = append(discarded, r) })
	key := Key{CapabilityID: "a"}

	got, _, err := p.GetOrCreate(context.Background(), key, func(context.Context) (string, error) {
		p.Store(key, "stored")
		return "raced", nil
	})
	if err != nil || got != "stored" {
		t.Fatalf("expected the stored record, got %q %v", got, err)
	}
	if len(discarded) != 1 || discarded[0] != "raced" {
		t.Fatalf("expected the raced record discarded, got %v", discarded)
	}
	if _, _, ok := p.Lookup("raced"); ok {
		t.Fatal("raced record must not be indexed")
	}
}

func TestPoolLookupConcurrentReaders(t *testing.T) {
	p := NewPool(stringID)
	key := Key{CapabilityID: "a"}
	p.Store(key, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if k, rec, ok := p.Lookup("s1"); !ok || rec != "s1" || k != key {
					t.Errorf("lookup failed: %v %q %v", k, rec, ok)
					return
				}
			}
		}()
	}
	wg.Wait()

	p.Store(key, "s2")
	if _, _, ok := p.Lookup("s1"); ok {
		t.Error("replaced session should drop out of the index")
	}
	if _, rec, ok := p.Lookup("s2"); !ok || rec != "s2" {
		t.Errorf("expected s2, got %q %v", rec, ok)
	}
}
