package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/guildtools/guildsync/pkg/tenantlock"
)

type testItem struct {
	id string
}

func (t testItem) ItemID() string { return t.id }

func testItems(ids ...string) []testItem {
	items := make([]testItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, testItem{id: id})
	}
	return items
}

type fakeSource struct {
	items []testItem
	err   error
	calls int
}

func (s *fakeSource) Enumerate(ctx context.Context) ([]testItem, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

type fakeSynchronizer struct {
	validateErr error
	failing     map[string]bool
	seen        []string
	entities    map[string]string
	onProcess   func(id string)
}

func newFakeSynchronizer() *fakeSynchronizer {
	return &fakeSynchronizer{
		failing:  map[string]bool{},
		entities: map[string]string{},
	}
}

func (f *fakeSynchronizer) Describe() string { return "Member verification" }

func (f *fakeSynchronizer) Validate(ctx context.Context) error { return f.validateErr }

func (f *fakeSynchronizer) Process(ctx context.Context, item testItem) error {
	f.seen = append(f.seen, item.id)
	if f.onProcess != nil {
		f.onProcess(item.id)
	}
	if f.failing[item.id] {
		return fmt.Errorf("member %s is unreachable", item.id)
	}
	// Upsert: fully replaces the entity for this id.
	f.entities[item.id] = "verified:" + item.id
	return nil
}

// fakeCheckpointStore snapshots on save and load so the runner's in-memory
// mutations only become visible the way a durable store would surface them.
type fakeCheckpointStore struct {
	checkpoints map[string]*Checkpoint
	saves       int
	clears      int
	loadErr     error
	saveErr     error
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{checkpoints: map[string]*Checkpoint{}}
}

func checkpointKey(tenantID string, kind JobKind) string {
	return tenantID + "|" + string(kind)
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := NewCheckpoint(cp.TenantID, cp.Kind)
	out.Processed = cp.Processed.Clone()
	out.Failed = cp.Failed.Clone()
	out.UpdatedAt = cp.UpdatedAt
	return out
}

func (s *fakeCheckpointStore) LoadCheckpoint(ctx context.Context, tenantID string, kind JobKind) (*Checkpoint, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	cp, ok := s.checkpoints[checkpointKey(tenantID, kind)]
	if !ok {
		return nil, nil
	}
	return cloneCheckpoint(cp), nil
}

func (s *fakeCheckpointStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.checkpoints[checkpointKey(cp.TenantID, cp.Kind)] = cloneCheckpoint(cp)
	return nil
}

func (s *fakeCheckpointStore) ClearCheckpoint(ctx context.Context, tenantID string, kind JobKind) error {
	s.clears++
	delete(s.checkpoints, checkpointKey(tenantID, kind))
	return nil
}

type fakeNotifier struct {
	sent    []string
	edits   []string
	sendErr error
	editErr error
}

func (n *fakeNotifier) SendMessage(ctx context.Context, text string) (string, error) {
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.sent = append(n.sent, text)
	return fmt.Sprintf("msg-%d", len(n.sent)), nil
}

func (n *fakeNotifier) EditMessage(ctx context.Context, handle string, text string) error {
	if n.editErr != nil {
		return n.editErr
	}
	n.edits = append(n.edits, text)
	return nil
}

const testKind JobKind = "verify-members"

func newTestRunner(t *testing.T, src *fakeSource, sync *fakeSynchronizer, store *fakeCheckpointStore, opts ...RunnerOpt[testItem]) *Runner[testItem] {
	t.Helper()
	r, err := NewRunner("G1", testKind, tenantlock.NewRegistry(), store, src, sync, opts...)
	require.NoError(t, err)
	return r
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()

	ids := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		ids = append(ids, fmt.Sprintf("m%d", i))
	}

	src := &fakeSource{items: testItems(ids...)}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()
	notifier := &fakeNotifier{}

	r := newTestRunner(t, src, sync, store, WithNotifier[testItem](notifier))

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, res.Total)
	require.Equal(t, 10, res.Processed)
	require.Empty(t, res.FailedIDs)
	require.False(t, res.Resumed)

	// Checkpoint is gone once the run completes.
	cp, err := store.LoadCheckpoint(ctx, "G1", testKind)
	require.NoError(t, err)
	require.Nil(t, cp)
	require.Equal(t, 1, store.clears)

	// With the default stride only the completion report fires.
	require.Len(t, notifier.sent, 1)
	require.Empty(t, notifier.edits)
	require.Equal(t, "Member verification: 10/10 (100%)", notifier.sent[0])
}

func TestIdempotentConvergence(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()

	r := newTestRunner(t, src, sync, store)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	first := map[string]string{}
	for k, v := range sync.entities {
		first[k] = v
	}

	_, err = r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, first, sync.entities, "a second run with no remote changes must converge on identical state")
}

func TestResumeSkipsProcessedItems(t *testing.T) {
	ctx := context.Background()

	store := newFakeCheckpointStore()
	prior := NewCheckpoint("G1", testKind)
	prior.MarkProcessed("a")
	prior.MarkProcessed("b")
	require.NoError(t, store.SaveCheckpoint(ctx, prior))

	src := &fakeSource{items: testItems("a", "b", "c", "d")}
	sync := newFakeSynchronizer()

	r := newTestRunner(t, src, sync, store)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.True(t, res.Resumed)
	require.Equal(t, []string{"c", "d"}, sync.seen, "already processed items must never reach the synchronizer")
}

func TestFailureIsolation(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c", "d")}
	sync := newFakeSynchronizer()
	sync.failing["c"] = true
	store := newFakeCheckpointStore()

	r := newTestRunner(t, src, sync, store)

	res, err := r.Run(ctx)
	require.NoError(t, err, "one bad item must not abort the run")
	require.Equal(t, 4, res.Total)
	require.Equal(t, []string{"c"}, res.FailedIDs)
	require.Equal(t, 1, store.clears, "checkpoint is cleared on completion despite failures")
}

func TestFailedItemsAreNotRetriedOnResume(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c")}
	sync := newFakeSynchronizer()
	sync.failing["b"] = true
	store := newFakeCheckpointStore()

	store.checkpoints[checkpointKey("G1", testKind)] = func() *Checkpoint {
		cp := NewCheckpoint("G1", testKind)
		cp.MarkProcessed("a")
		cp.MarkFailed("b")
		return cp
	}()

	r := newTestRunner(t, src, sync, store)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, sync.seen, "failed items stay processed and are skipped")
	require.Equal(t, []string{"b"}, res.FailedIDs, "prior failures surface in the final tally")
}

func TestRetryFailedSeedsFromFailedSet(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()

	store.checkpoints[checkpointKey("G1", testKind)] = func() *Checkpoint {
		cp := NewCheckpoint("G1", testKind)
		cp.MarkProcessed("a")
		cp.MarkFailed("b")
		return cp
	}()

	r := newTestRunner(t, src, sync, store, WithRetryFailed[testItem]())

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, sync.seen)
	require.Empty(t, res.FailedIDs)
}

func TestInterruptedRunLeavesCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{items: testItems("a", "b", "c", "d")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()

	processed := 0
	sync.onProcess = func(id string) {
		processed++
		if processed == 2 {
			cancel()
		}
	}

	r := newTestRunner(t, src, sync, store)

	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, store.clears, "interrupted runs must not clear the checkpoint")

	cp, lerr := store.LoadCheckpoint(ctx, "G1", testKind)
	require.NoError(t, lerr)
	require.NotNil(t, cp)
	require.True(t, cp.Processed.Equal(mapset.NewSet("a", "b")), "checkpoint holds exactly the processed items")
}

func TestInterruptedRunSurvivesSaveFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{items: testItems("a", "b", "c", "d")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()
	store.saveErr = errors.New("disk full")

	processed := 0
	sync.onProcess = func(id string) {
		processed++
		if processed == 2 {
			cancel()
		}
	}

	// Batching keeps the in-loop save from firing before the cancellation.
	r := newTestRunner(t, src, sync, store, WithSaveEvery[testItem](3))

	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled, "the shutdown save is best effort; cancellation is the run's outcome")
}

func TestRejectedWhenLockHeld(t *testing.T) {
	ctx := context.Background()

	locks := tenantlock.NewRegistry()
	require.True(t, locks.TryAcquire("G1", string(testKind)))

	src := &fakeSource{items: testItems("a")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()
	notifier := &fakeNotifier{}

	r, err := NewRunner("G1", testKind, locks, store, src, sync, WithNotifier[testItem](notifier))
	require.NoError(t, err)

	res, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Nil(t, res)
	require.Empty(t, sync.seen, "a rejected run must not touch any state")
	require.Equal(t, 0, src.calls)
	require.Equal(t, 0, store.saves)
	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0], "already running")

	// The rejected run must not have released the original holder's guard.
	require.True(t, locks.Held("G1", string(testKind)))
}

func TestFatalPreconditionAborts(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b")}
	sync := newFakeSynchronizer()
	sync.validateErr = errors.New("verified role not found in this server")
	store := newFakeCheckpointStore()
	notifier := &fakeNotifier{}

	r := newTestRunner(t, src, sync, store, WithNotifier[testItem](notifier))

	_, err := r.Run(ctx)
	require.Error(t, err)
	require.Equal(t, 0, src.calls, "preconditions are checked before enumeration")
	require.Equal(t, 0, store.saves, "no checkpoint is created on a fatal precondition")
	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0], "aborted")

	// The lock is released even on the abort path.
	_, err = r.Run(ctx)
	require.NotErrorIs(t, err, ErrAlreadyRunning)
}

func TestEnumerationFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()

	store := newFakeCheckpointStore()
	prior := NewCheckpoint("G1", testKind)
	prior.MarkProcessed("a")
	require.NoError(t, store.SaveCheckpoint(ctx, prior))
	savesBefore := store.saves

	src := &fakeSource{err: errors.New("listing members: rate limited after 3 attempts")}
	sync := newFakeSynchronizer()

	r := newTestRunner(t, src, sync, store)

	_, err := r.Run(ctx)
	require.Error(t, err)
	require.Equal(t, 0, store.clears)
	require.Equal(t, savesBefore, store.saves)

	cp, lerr := store.LoadCheckpoint(ctx, "G1", testKind)
	require.NoError(t, lerr)
	require.NotNil(t, cp, "prior progress survives an enumeration failure")
}

func TestBatchedCheckpointSaves(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c", "d", "e")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()

	r := newTestRunner(t, src, sync, store, WithSaveEvery[testItem](2))

	_, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, store.saves, "five items with a batch size of two persist twice before the clear")
	require.Equal(t, 1, store.clears)
}

func TestPerItemCheckpointOrdering(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{items: testItems("a", "b", "c")}
	sync := newFakeSynchronizer()
	store := newFakeCheckpointStore()

	var sizes []int
	sync.onProcess = func(id string) {
		// At the moment item N is processed, N-1 completions are durable.
		cp := store.checkpoints[checkpointKey("G1", testKind)]
		if cp == nil {
			sizes = append(sizes, 0)
			return
		}
		sizes = append(sizes, cp.Processed.Cardinality())
	}

	r := newTestRunner(t, src, sync, store)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, sizes, "each item's completion is durable before the next begins")
}
