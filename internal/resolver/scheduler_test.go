package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshline/internal/domain"
	"meshline/internal/resolver"
)

type fakeStore struct {
	mu       sync.Mutex
	order    []string
	contacts map[string]*domain.Contact
	listErr  error
	listN    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{contacts: map[string]*domain.Contact{}}
}

func (f *fakeStore) add(hash string, addedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, hash)
	f.contacts[hash] = &domain.Contact{
		DestinationHash: hash,
		Status:          domain.StatusPendingIdentity,
		AddedAt:         addedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (f *fakeStore) get(hash string) domain.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.contacts[hash]
}

func (f *fakeStore) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listN
}

func (f *fakeStore) ListContactsByStatus(_ context.Context, statuses ...string) ([]domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listN++
	if f.listErr != nil {
		return nil, f.listErr
	}
	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var res []domain.Contact
	for _, hash := range f.order {
		if c := f.contacts[hash]; want[c.Status] {
			res = append(res, *c)
		}
	}
	return res, nil
}

func (f *fakeStore) UpdateContactStatus(_ context.Context, hash, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[hash]
	if !ok {
		return errors.New("not found")
	}
	c.Status = status
	c.PublicKey = nil
	return nil
}

func (f *fakeStore) UpdateContactWithIdentity(_ context.Context, hash string, publicKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[hash]
	if !ok {
		return errors.New("not found")
	}
	c.Status = domain.StatusResolved
	c.PublicKey = append([]byte(nil), publicKey...)
	return nil
}

type fakeFacade struct {
	mu         sync.Mutex
	identities map[string][]byte
	recallErr  map[string]error
	recalls    []string
	requests   []string

	// Optional gate: when set, RecallIdentity announces itself on
	// recallStarted and then blocks until recallGate is closed.
	recallStarted chan string
	recallGate    chan struct{}
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{identities: map[string][]byte{}, recallErr: map[string]error{}}
}

func (f *fakeFacade) learn(hash string, key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[hash] = key
}

func (f *fakeFacade) RecallIdentity(_ context.Context, hash string) ([]byte, error) {
	if f.recallStarted != nil {
		f.recallStarted <- hash
	}
	if f.recallGate != nil {
		<-f.recallGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalls = append(f.recalls, hash)
	if err := f.recallErr[hash]; err != nil {
		return nil, err
	}
	return f.identities[hash], nil
}

func (f *fakeFacade) RequestPath(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, hash)
	return nil
}

func (f *fakeFacade) requestCount(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.requests {
		if h == hash {
			n++
		}
	}
	return n
}

func (f *fakeFacade) recallCount(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.recalls {
		if h == hash {
			n++
		}
	}
	return n
}

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccc"
)

func newScheduler(store *fakeStore, facade *fakeFacade, now time.Time) *resolver.Scheduler {
	return &resolver.Scheduler{
		Store:  store,
		Facade: facade,
		Now:    func() time.Time { return now },
	}
}

func TestPassExpiresTimedOutContact(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-48*time.Hour-time.Millisecond))
	facade.learn(hashA, []byte("key-a")) // must not be consulted

	s := newScheduler(store, facade, now)
	report := s.RunPass(context.Background())

	if got := store.get(hashA).Status; got != domain.StatusUnresolved {
		t.Fatalf("status = %q, want unresolved", got)
	}
	if facade.recallCount(hashA) != 0 {
		t.Fatal("expired contact must not be checked against the cache")
	}
	if facade.requestCount(hashA) != 0 {
		t.Fatal("expired contact must not trigger a path request")
	}
	if report.Expired != 1 || report.Checked != 1 {
		t.Fatalf("report = %+v, want one expired of one checked", report)
	}
}

func TestPassExactTimeoutIsNotExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-48*time.Hour))

	s := newScheduler(store, facade, now)
	report := s.RunPass(context.Background())

	if got := store.get(hashA).Status; got != domain.StatusPendingIdentity {
		t.Fatalf("status = %q, want pending at exactly 48h", got)
	}
	if report.Expired != 0 || report.Requested != 1 {
		t.Fatalf("report = %+v, want a cache miss, not an expiry", report)
	}
}

func TestPassCacheHitResolves(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-time.Hour))
	facade.learn(hashA, []byte("pubkey-a"))

	s := newScheduler(store, facade, now)
	report := s.RunPass(context.Background())

	c := store.get(hashA)
	if c.Status != domain.StatusResolved {
		t.Fatalf("status = %q, want resolved", c.Status)
	}
	if string(c.PublicKey) != "pubkey-a" {
		t.Fatalf("public key = %q, want pubkey-a", c.PublicKey)
	}
	if facade.requestCount(hashA) != 0 {
		t.Fatal("cache hit must not trigger a path request")
	}
	if report.Resolved != 1 {
		t.Fatalf("report = %+v, want one resolved", report)
	}
}

func TestPassCacheMissRequestsPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-time.Hour))

	s := newScheduler(store, facade, now)
	s.RunPass(context.Background())

	if got := store.get(hashA).Status; got != domain.StatusPendingIdentity {
		t.Fatalf("status = %q, want still pending", got)
	}
	if facade.requestCount(hashA) != 1 {
		t.Fatalf("path requests = %d, want 1", facade.requestCount(hashA))
	}
}

func TestPassContactErrorDoesNotAbortOthers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-time.Hour))
	store.add(hashB, now.Add(-time.Hour))
	store.add(hashC, now.Add(-time.Hour))
	facade.recallErr[hashB] = errors.New("cache exploded")
	facade.learn(hashC, []byte("pubkey-c"))

	s := newScheduler(store, facade, now)
	report := s.RunPass(context.Background())

	if report.Checked != 3 {
		t.Fatalf("checked = %d, want 3", report.Checked)
	}
	if len(report.Errors) != 1 || report.Errors[0].DestinationHash != hashB {
		t.Fatalf("errors = %+v, want one for %s", report.Errors, hashB)
	}
	if got := store.get(hashC).Status; got != domain.StatusResolved {
		t.Fatalf("contact after the failing one not processed: status = %q", got)
	}
}

func TestPassFetchErrorAbortsPassOnly(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db locked")
	s := newScheduler(store, newFakeFacade(), time.Now())

	report := s.RunPass(context.Background())
	if report.FetchErr == "" {
		t.Fatal("expected fetch error in report")
	}
	if report.Checked != 0 {
		t.Fatalf("checked = %d, want 0", report.Checked)
	}
}

func TestRetryResetsAndRequestsOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-100*time.Hour))
	store.contacts[hashA].Status = domain.StatusUnresolved

	s := newScheduler(store, facade, now)
	if err := s.Retry(context.Background(), hashA); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := store.get(hashA).Status; got != domain.StatusPendingIdentity {
		t.Fatalf("status = %q, want pending after retry", got)
	}
	if facade.requestCount(hashA) != 1 {
		t.Fatalf("path requests = %d, want exactly 1", facade.requestCount(hashA))
	}
	if facade.recallCount(hashA) != 0 {
		t.Fatal("retry must not consult the cache")
	}
}

func TestPassesDoNotOverlap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	facade.recallStarted = make(chan string, 4)
	facade.recallGate = make(chan struct{})
	store.add(hashA, now.Add(-time.Hour))

	s := newScheduler(store, facade, now)
	ctx := context.Background()

	first := make(chan resolver.PassReport, 1)
	go func() { first <- s.RunPass(ctx) }()
	<-facade.recallStarted // first pass is now mid-contact

	second := make(chan resolver.PassReport, 1)
	go func() { second <- s.RunPass(ctx) }()

	select {
	case <-second:
		t.Fatal("second pass completed while the first was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(facade.recallGate)
	r1 := <-first
	r2 := <-second
	if r1.Checked != 1 || r2.Checked != 1 {
		t.Fatalf("reports = %+v / %+v, want one contact each", r1, r2)
	}
	// Serialized passes issue one path request each.
	if got := facade.requestCount(hashA); got != 2 {
		t.Fatalf("path requests = %d, want 2", got)
	}
}

func TestPassReportsObservedInOrder(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, now.Add(-time.Hour))

	var passes []resolver.PassReport
	s := newScheduler(store, facade, now)
	s.OnPass = func(r resolver.PassReport) { passes = append(passes, r) }

	s.RunPass(context.Background())
	facade.learn(hashA, []byte("key-a"))
	s.RunPass(context.Background())

	if len(passes) != 2 {
		t.Fatalf("observed %d passes, want 2", len(passes))
	}
	if passes[0].Requested != 1 || passes[1].Resolved != 1 {
		t.Fatalf("passes = %+v", passes)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := &resolver.Scheduler{
		Store:    store,
		Facade:   newFakeFacade(),
		Interval: time.Hour,
	}
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second start must not spawn another loop
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for store.listCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("loop never ran a pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// With an hour-long interval, a duplicate loop is the only way a
	// second pass could appear this quickly.
	time.Sleep(50 * time.Millisecond)
	if n := store.listCalls(); n != 1 {
		t.Fatalf("passes = %d, want 1 (duplicate loop running?)", n)
	}
	if !s.Running() {
		t.Fatal("scheduler should report running")
	}
}

func TestStopIsSafeWhenNotRunning(t *testing.T) {
	s := &resolver.Scheduler{Store: newFakeStore(), Facade: newFakeFacade()}
	s.Stop()
	if s.Running() {
		t.Fatal("scheduler should not be running")
	}
}

func TestStartStopStartCycle(t *testing.T) {
	store := newFakeStore()
	s := &resolver.Scheduler{Store: store, Facade: newFakeFacade(), Interval: time.Hour}
	s.Start(context.Background())
	s.Stop()
	if s.Running() {
		t.Fatal("scheduler still running after stop")
	}
	s.Start(context.Background())
	defer s.Stop()
	if !s.Running() {
		t.Fatal("scheduler should run again after restart")
	}
}

func TestResolutionLifecycle(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	store := newFakeStore()
	facade := newFakeFacade()
	store.add(hashA, t0)

	var transitions []string
	s := &resolver.Scheduler{
		Store:   store,
		Facade:  facade,
		Now:     func() time.Time { return now },
		OnEvent: func(eventType, _ string) { transitions = append(transitions, eventType) },
	}
	ctx := context.Background()

	// First pass at t0+15m: cache miss, path request, still pending.
	now = t0.Add(15 * time.Minute)
	s.RunPass(ctx)
	if got := store.get(hashA).Status; got != domain.StatusPendingIdentity {
		t.Fatalf("after first pass: status = %q", got)
	}
	if facade.requestCount(hashA) != 1 {
		t.Fatalf("after first pass: path requests = %d, want 1", facade.requestCount(hashA))
	}

	// The mesh layer populates the cache; second pass resolves.
	facade.learn(hashA, []byte("announced-key"))
	now = t0.Add(30 * time.Minute)
	s.RunPass(ctx)
	c := store.get(hashA)
	if c.Status != domain.StatusResolved || string(c.PublicKey) != "announced-key" {
		t.Fatalf("after second pass: %+v", c)
	}

	// Manual retry resets and issues a fresh request.
	if err := s.Retry(ctx, hashA); err != nil {
		t.Fatalf("retry: %v", err)
	}
	c = store.get(hashA)
	if c.Status != domain.StatusPendingIdentity {
		t.Fatalf("after retry: status = %q", c.Status)
	}
	if len(c.PublicKey) != 0 {
		t.Fatal("retry must clear the stored key")
	}
	if facade.requestCount(hashA) != 2 {
		t.Fatalf("after retry: path requests = %d, want 2", facade.requestCount(hashA))
	}

	want := []string{"contact.resolved", "contact.retry"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
