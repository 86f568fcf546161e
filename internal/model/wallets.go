package model

import (
	"fmt"
	"strings"
)

// ParseWallets converts "address:label" entries into watched addresses.
// Entries without a label are accepted; blank entries are ignored.
func ParseWallets(network Network, entries []string) ([]WatchedAddress, error) {
	out := make([]WatchedAddress, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		addr, label, _ := strings.Cut(entry, ":")
		addr = strings.TrimSpace(addr)
		label = strings.TrimSpace(label)
		if addr == "" {
			return nil, fmt.Errorf("%s wallet %q: empty address", network, entry)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%s wallet %s listed twice", network, addr)
		}
		seen[addr] = struct{}{}

		out = append(out, WatchedAddress{Network: network, Address: addr, Label: label})
	}
	return out, nil
}
