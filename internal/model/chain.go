package model

import (
	"fmt"
	"strings"
)

// ChainKind 区分账户模型与 UTXO 模型。
type ChainKind int

const (
	// AccountBased chains only list mined transactions, so transfers are always confirmed.
	AccountBased ChainKind = iota
	// UTXOBased chains report mempool entries that confirm later.
	UTXOBased
)

func (k ChainKind) String() string {
	switch k {
	case AccountBased:
		return "account"
	case UTXOBased:
		return "utxo"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Network identifies a watched chain.
type Network string

const (
	Ethereum Network = "ethereum"
	Tron     Network = "tron"
	Bitcoin  Network = "bitcoin"
)

// Networks lists every supported network in configuration order.
var Networks = []Network{Ethereum, Tron, Bitcoin}

// ParseNetwork resolves a configured network name.
func ParseNetwork(name string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	switch n {
	case Ethereum, Tron, Bitcoin:
		return n, nil
	default:
		return "", fmt.Errorf("unknown network %q", name)
	}
}

// Kind returns the ledger model of the network.
func (n Network) Kind() ChainKind {
	if n == Bitcoin {
		return UTXOBased
	}
	return AccountBased
}

// DisplayPlaces is the number of decimals used when rendering amounts.
func (n Network) DisplayPlaces() int32 {
	if n == Bitcoin {
		return 8
	}
	return 6
}

// Title is the short label used in notification headers.
func (n Network) Title() string {
	switch n {
	case Ethereum:
		return "ETH"
	case Tron:
		return "TRC20"
	case Bitcoin:
		return "BTC"
	default:
		return strings.ToUpper(string(n))
	}
}

// NativeSymbol is the chain's fee asset, the default symbol of its transfers.
func (n Network) NativeSymbol() string {
	switch n {
	case Ethereum:
		return "ETH"
	case Tron:
		return "TRX"
	case Bitcoin:
		return "BTC"
	default:
		return ""
	}
}
