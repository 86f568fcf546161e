package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownCounterparty is used when a provider cannot tell who sent a transfer.
const UnknownCounterparty = "unknown"

// Transfer is the chain-agnostic view of one inbound value transfer.
//
// Adapters build a fresh Transfer on every fetch; the watch engine compares them to
// stored state by ID and never mutates them.
type Transfer struct {
	ID           string
	Network      Network
	Counterparty string
	Destination  string
	Amount       decimal.Decimal
	Symbol       string
	ObservedAt   time.Time
	Confirmed    bool
}

// WatchedAddress is one entry of the process-wide watch list.
type WatchedAddress struct {
	Network Network
	Address string
	Label   string
	// Cutoff overrides the global cutoff for this address's chain when non-zero.
	Cutoff time.Time
}

// Kind returns the ledger model of the address's chain.
func (w WatchedAddress) Kind() ChainKind {
	return w.Network.Kind()
}

// DisplayLabel falls back to the address when no label is configured.
func (w WatchedAddress) DisplayLabel() string {
	if w.Label == "" {
		return w.Address
	}
	return w.Label
}
