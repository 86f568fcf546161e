package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record is the observation state kept for one (address, transfer ID) pair.
type Record struct {
	FirstSeenAt int64 `json:"first_seen_at"`
	LastSeenAt  int64 `json:"last_seen_at"`
	Notified    bool  `json:"notified"`
	Confirmed   bool  `json:"confirmed"`
}

// AddressState is the persisted unit: all records of one watched address.
type AddressState struct {
	Address   string            `json:"-"`
	UpdatedAt int64             `json:"updated_at"`
	Records   map[string]Record `json:"records"`
}

func (a AddressState) clone() AddressState {
	records := make(map[string]Record, len(a.Records))
	for id, rec := range a.Records {
		records[id] = rec
	}
	return AddressState{Address: a.Address, UpdatedAt: a.UpdatedAt, Records: records}
}

// looseRecord accepts every record shape older versions wrote: a bare bool, a bare
// timestamp, or an object with some fields missing.
type looseRecord struct {
	FirstSeenAt *int64 `json:"first_seen_at"`
	LastSeenAt  *int64 `json:"last_seen_at"`
	Notified    *bool  `json:"notified"`
	Confirmed   *bool  `json:"confirmed"`
}

func (l *looseRecord) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '{':
		type plain looseRecord
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*l = looseRecord(p)
		return nil
	case 't', 'f':
		var b bool
		return json.Unmarshal(data, &b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			l.FirstSeenAt, l.LastSeenAt = &ts, &ts
		} else if tm, err := time.Parse(time.RFC3339, s); err == nil {
			ts := tm.Unix()
			l.FirstSeenAt, l.LastSeenAt = &ts, &ts
		}
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("unsupported record shape %s", string(data))
		}
		ts := int64(f)
		l.FirstSeenAt, l.LastSeenAt = &ts, &ts
		return nil
	}
}

// upgrade fills every missing field. Missing flags default to true so that old
// entries are never announced again.
func (l looseRecord) upgrade(now int64) Record {
	rec := Record{Notified: true, Confirmed: true, FirstSeenAt: now, LastSeenAt: now}
	if l.Notified != nil {
		rec.Notified = *l.Notified
	}
	if l.Confirmed != nil {
		rec.Confirmed = *l.Confirmed
	}
	if l.FirstSeenAt != nil && *l.FirstSeenAt > 0 {
		rec.FirstSeenAt = *l.FirstSeenAt
		rec.LastSeenAt = *l.FirstSeenAt
	}
	if l.LastSeenAt != nil && *l.LastSeenAt > 0 {
		rec.LastSeenAt = *l.LastSeenAt
	}
	// legacy timestamps are refreshed so the first prune does not wipe them.
	if rec.LastSeenAt < now && (l.Notified == nil || l.Confirmed == nil) {
		rec.LastSeenAt = now
	}
	return rec
}

// DecodeRecords parses a transfer ID -> record map in any supported shape.
// A JSON array of IDs or a single ID string is accepted as well.
func DecodeRecords(raw json.RawMessage, now time.Time) (map[string]Record, error) {
	raw = bytes.TrimSpace(raw)
	out := make(map[string]Record)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	ts := now.Unix()

	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, err
		}
		if id != "" {
			out[id] = looseRecord{}.upgrade(ts)
		}
		return out, nil
	case '[':
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("decode id list: %w", err)
		}
		for _, id := range ids {
			if id != "" {
				out[id] = looseRecord{}.upgrade(ts)
			}
		}
		return out, nil
	case '{':
		var loose map[string]looseRecord
		if err := json.Unmarshal(raw, &loose); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		for id, l := range loose {
			out[id] = l.upgrade(ts)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported records shape %s", string(raw))
	}
}
