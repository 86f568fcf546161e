package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"txwatch/internal/model"
)

func transfer(id string, confirmed bool) model.Transfer {
	return model.Transfer{
		ID:          id,
		Network:     model.Bitcoin,
		Amount:      decimal.RequireFromString("0.01"),
		Symbol:      "BTC",
		ObservedAt:  time.Unix(100, 0),
		Confirmed:   confirmed,
		Destination: "bc1qwatch",
	}
}

func TestClassifyTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	s := NewStore(nil, 0, zerolog.Nop())

	require.Equal(t, New, s.Classify("addr", transfer("t1", false)))

	s.RecordNew(ctx, "addr", transfer("t1", false), true, now)
	require.Equal(t, Duplicate, s.Classify("addr", transfer("t1", false)))
	require.Equal(t, Reconfirmed, s.Classify("addr", transfer("t1", true)))

	s.RecordConfirmation(ctx, "addr", "t1", now.Add(time.Minute))
	require.Equal(t, Duplicate, s.Classify("addr", transfer("t1", true)))
	// a reorg-like unconfirmed observation does not trigger anything
	require.Equal(t, Duplicate, s.Classify("addr", transfer("t1", false)))

	rec, ok := s.Lookup("addr", "t1")
	require.True(t, ok)
	require.True(t, rec.Confirmed)
	require.Equal(t, now.Unix(), rec.FirstSeenAt)
	require.Equal(t, now.Add(time.Minute).Unix(), rec.LastSeenAt)

	// the same id under a different address is independent
	require.Equal(t, New, s.Classify("other", transfer("t1", true)))
}

func TestAbsorbedRecordsNeverReconfirm(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	s := NewStore(nil, 0, zerolog.Nop())

	s.RecordNew(ctx, "addr", transfer("t2", false), false, now)
	require.Equal(t, Duplicate, s.Classify("addr", transfer("t2", true)))

	s.Touch(ctx, "addr", transfer("t2", true), now.Add(time.Second))
	rec, _ := s.Lookup("addr", "t2")
	require.True(t, rec.Confirmed)
	require.False(t, rec.Notified)
	require.Equal(t, now.Add(time.Second).Unix(), rec.LastSeenAt)
}

func TestRecordNewKeepsExistingRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	s := NewStore(nil, 0, zerolog.Nop())

	s.RecordNew(ctx, "addr", transfer("t1", false), true, now)
	s.RecordNew(ctx, "addr", transfer("t1", true), false, now.Add(time.Hour))

	rec, _ := s.Lookup("addr", "t1")
	require.Equal(t, Record{FirstSeenAt: now.Unix(), LastSeenAt: now.Unix(), Notified: true, Confirmed: false}, rec)
	require.Equal(t, 1, s.Len())
}

func TestRecordConfirmationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	s := NewStore(nil, 0, zerolog.Nop())

	s.RecordNew(ctx, "addr", transfer("t1", true), true, now)
	s.RecordConfirmation(ctx, "addr", "t1", now.Add(time.Hour))
	rec, _ := s.Lookup("addr", "t1")
	require.Equal(t, now.Unix(), rec.LastSeenAt, "no-op when already confirmed")

	s.Touch(ctx, "addr", transfer("t1", false), now.Add(2*time.Hour))
	rec, _ = s.Lookup("addr", "t1")
	require.True(t, rec.Confirmed)

	s.RecordConfirmation(ctx, "addr", "missing", now)
	_, ok := s.Lookup("addr", "missing")
	require.False(t, ok)
}

func TestPruneBoundary(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(10_000, 0)
	s := NewStore(nil, 0, zerolog.Nop())

	s.RecordNew(ctx, "a", transfer("old", true), true, base)
	s.RecordNew(ctx, "a", transfer("edge", true), true, base.Add(10*time.Second))
	s.RecordNew(ctx, "b", transfer("fresh", true), true, base.Add(50*time.Second))

	now := base.Add(110 * time.Second)
	removed := s.Prune(ctx, 100*time.Second, now)
	require.Equal(t, 1, removed)

	_, ok := s.Lookup("a", "old")
	require.False(t, ok)
	_, ok = s.Lookup("a", "edge")
	require.True(t, ok, "now - last_seen == window must be kept")
	_, ok = s.Lookup("b", "fresh")
	require.True(t, ok)
}

func TestMutationsPruneWithRetention(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(10_000, 0)
	backend := &recordingBackend{}
	s := NewStore(backend, time.Minute, zerolog.Nop())

	s.RecordNew(ctx, "a", transfer("old", true), true, base)
	s.RecordNew(ctx, "b", transfer("new", true), true, base.Add(2*time.Minute))

	_, ok := s.Lookup("a", "old")
	require.False(t, ok)
	require.Len(t, s.Snapshot(), 1)

	last := backend.calls[len(backend.calls)-1]
	require.ElementsMatch(t, []string{"b", "a"}, last.changed)
	_, stillThere := last.states["a"]
	require.False(t, stillThere)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{err: errors.New("disk full")}
	s := NewStore(backend, 0, zerolog.Nop())

	s.RecordNew(ctx, "a", transfer("t1", false), true, time.Unix(1, 0))
	require.Equal(t, Duplicate, s.Classify("a", transfer("t1", false)))
	require.Len(t, backend.calls, 1)
}

func TestLoadFromBackend(t *testing.T) {
	backend := &recordingBackend{loaded: map[string]AddressState{
		"a": {Records: map[string]Record{"t1": {FirstSeenAt: 1, LastSeenAt: 2, Notified: true}}},
	}}
	s := NewStore(backend, 0, zerolog.Nop())
	require.NoError(t, s.Load(context.Background()))

	require.Equal(t, Reconfirmed, s.Classify("a", transfer("t1", true)))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "a", snap[0].Address)
}

type saveCall struct {
	states  map[string]AddressState
	changed []string
}

type recordingBackend struct {
	loaded map[string]AddressState
	err    error
	calls  []saveCall
}

func (r *recordingBackend) Load(ctx context.Context) (map[string]AddressState, error) {
	return r.loaded, nil
}

func (r *recordingBackend) Save(ctx context.Context, states map[string]AddressState, changed []string) error {
	copied := make(map[string]AddressState, len(states))
	for k, v := range states {
		copied[k] = v.clone()
	}
	r.calls = append(r.calls, saveCall{states: copied, changed: append([]string(nil), changed...)})
	return r.err
}
