//go:build !linux

package notify

import (
	"context"
	"errors"
)

// NftSet is only available on Linux.
type NftSet struct {
	table string
	set   string
}

// NewNftSet creates the sink.
func NewNftSet(table, set string) *NftSet {
	return &NftSet{table: table, set: set}
}

func (n *NftSet) Name() string { return "nft:" + n.table + "/" + n.set }

// Sync always fails outside Linux.
func (n *NftSet) Sync(ctx context.Context, ips []string) error {
	return errors.New("nftables is not supported on this platform")
}
