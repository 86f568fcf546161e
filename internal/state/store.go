package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"txwatch/internal/model"
)

// Classification is the verdict for one observed transfer.
type Classification int

const (
	// New means no record exists for the transfer yet.
	New Classification = iota
	// Duplicate means the transfer needs no notification.
	Duplicate
	// Reconfirmed means an announced, unconfirmed transfer has just confirmed.
	Reconfirmed
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Reconfirmed:
		return "reconfirmed"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Backend persists address states.
type Backend interface {
	Load(ctx context.Context) (map[string]AddressState, error)
	// Save receives the full state and the addresses touched since the last save.
	// Addresses listed in changed but missing from states were emptied by pruning.
	Save(ctx context.Context, states map[string]AddressState, changed []string) error
}

// Store owns every observation record. It has a single writer (the poll
// coordinator) and does no locking of its own.
type Store struct {
	backend   Backend
	retention time.Duration
	logger    zerolog.Logger
	states    map[string]AddressState
}

// NewStore builds an empty store. A nil backend keeps state in memory only.
func NewStore(backend Backend, retention time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		backend:   backend,
		retention: retention,
		logger:    logger.With().Str("component", "state_store").Logger(),
		states:    make(map[string]AddressState),
	}
}

// Load replaces the in-memory state with the backend's content.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	states, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.states = make(map[string]AddressState, len(states))
	total := 0
	for addr, st := range states {
		st.Address = addr
		if st.Records == nil {
			st.Records = make(map[string]Record)
		}
		s.states[addr] = st
		total += len(st.Records)
	}
	s.logger.Info().Int("addresses", len(s.states)).Int("records", total).Msg("state loaded")
	return nil
}

// Classify decides what an observation of transfer means for address.
func (s *Store) Classify(address string, transfer model.Transfer) Classification {
	rec, ok := s.Lookup(address, transfer.ID)
	if !ok {
		return New
	}
	if rec.Notified && !rec.Confirmed && transfer.Confirmed {
		return Reconfirmed
	}
	return Duplicate
}

// RecordNew creates the record for a first-seen transfer. Existing records are left
// untouched.
func (s *Store) RecordNew(ctx context.Context, address string, transfer model.Transfer, notified bool, now time.Time) {
	st := s.stateFor(address)
	if _, exists := st.Records[transfer.ID]; exists {
		s.logger.Warn().Str("address", address).Str("transfer_id", transfer.ID).Msg("record already exists; ignoring RecordNew")
		return
	}
	ts := now.Unix()
	st.Records[transfer.ID] = Record{
		FirstSeenAt: ts,
		LastSeenAt:  ts,
		Notified:    notified,
		Confirmed:   transfer.Confirmed,
	}
	st.UpdatedAt = ts
	s.states[address] = st
	s.commit(ctx, now, address)
}

// RecordConfirmation marks a transfer confirmed. It never clears the flag and is a
// no-op for unknown or already-confirmed transfers.
func (s *Store) RecordConfirmation(ctx context.Context, address, transferID string, now time.Time) {
	st, ok := s.states[address]
	if !ok {
		return
	}
	rec, ok := st.Records[transferID]
	if !ok || rec.Confirmed {
		return
	}
	ts := now.Unix()
	rec.Confirmed = true
	rec.LastSeenAt = ts
	st.Records[transferID] = rec
	st.UpdatedAt = ts
	s.commit(ctx, now, address)
}

// Touch refreshes LastSeenAt for a re-observed transfer. A confirmed observation of a
// record that was never announced is applied silently.
func (s *Store) Touch(ctx context.Context, address string, transfer model.Transfer, now time.Time) {
	st, ok := s.states[address]
	if !ok {
		return
	}
	rec, ok := st.Records[transfer.ID]
	if !ok {
		return
	}
	ts := now.Unix()
	if rec.LastSeenAt >= ts && (rec.Confirmed || !transfer.Confirmed) {
		return
	}
	if ts > rec.LastSeenAt {
		rec.LastSeenAt = ts
	}
	if transfer.Confirmed && !rec.Notified {
		rec.Confirmed = true
	}
	st.Records[transfer.ID] = rec
	st.UpdatedAt = ts
	s.commit(ctx, now, address)
}

// Prune drops every record last seen more than window before now and persists the
// result. It returns the number of removed records.
func (s *Store) Prune(ctx context.Context, window time.Duration, now time.Time) int {
	removed, changed := s.prune(window, now)
	if len(changed) > 0 {
		s.persist(ctx, changed)
	}
	return removed
}

func (s *Store) prune(window time.Duration, now time.Time) (int, []string) {
	if window <= 0 {
		return 0, nil
	}
	limit := int64(window / time.Second)
	ts := now.Unix()

	removed := 0
	var changed []string
	for addr, st := range s.states {
		before := len(st.Records)
		for id, rec := range st.Records {
			if ts-rec.LastSeenAt > limit {
				delete(st.Records, id)
			}
		}
		if n := before - len(st.Records); n > 0 {
			removed += n
			changed = append(changed, addr)
			if len(st.Records) == 0 {
				delete(s.states, addr)
			} else {
				st.UpdatedAt = ts
				s.states[addr] = st
			}
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("pruned expired records")
	}
	return removed, changed
}

// Lookup returns the record for (address, transferID).
func (s *Store) Lookup(address, transferID string) (Record, bool) {
	st, ok := s.states[address]
	if !ok {
		return Record{}, false
	}
	rec, ok := st.Records[transferID]
	return rec, ok
}

// Len returns the total number of records.
func (s *Store) Len() int {
	n := 0
	for _, st := range s.states {
		n += len(st.Records)
	}
	return n
}

// Snapshot returns a deep copy of the state sorted by address.
func (s *Store) Snapshot() []AddressState {
	out := make([]AddressState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *Store) stateFor(address string) AddressState {
	st, ok := s.states[address]
	if !ok {
		st = AddressState{Address: address, Records: make(map[string]Record)}
	}
	return st
}

// commit prunes and persists after a mutation of address.
func (s *Store) commit(ctx context.Context, now time.Time, address string) {
	_, pruned := s.prune(s.retention, now)
	changed := append([]string{address}, pruned...)
	s.persist(ctx, changed)
}

func (s *Store) persist(ctx context.Context, changed []string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Save(ctx, s.states, dedupe(changed)); err != nil {
		s.logger.Error().Err(err).Strs("addresses", changed).Msg("failed to persist state; keeping in-memory copy")
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
