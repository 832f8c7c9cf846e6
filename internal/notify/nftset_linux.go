//go:build linux

package notify

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/nftables"
)

// NftSet mirrors flagged hosts into a pair of nftables sets (IPv4 and IPv6)
// in an inet table, for local rules to reference.
type NftSet struct {
	table string
	set   string
}

// NewNftSet creates the sink. Sets are created on first sync.
func NewNftSet(table, set string) *NftSet {
	return &NftSet{table: table, set: set}
}

func (n *NftSet) Name() string { return "nft:" + n.table + "/" + n.set }

// Sync flushes both sets and refills them with ips in one transaction.
func (n *NftSet) Sync(ctx context.Context, ips []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v4, v6 := splitFamilies(ips)

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("creating nftables connection: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Name:   n.table,
		Family: nftables.TableFamilyINet,
	})

	sets := []struct {
		set   *nftables.Set
		elems []nftables.SetElement
	}{
		{&nftables.Set{Name: n.set, Table: table, KeyType: nftables.TypeIPAddr}, v4},
		{&nftables.Set{Name: n.set + "6", Table: table, KeyType: nftables.TypeIP6Addr}, v6},
	}
	for _, s := range sets {
		if err := conn.AddSet(s.set, nil); err != nil {
			return fmt.Errorf("adding set %s: %w", s.set.Name, err)
		}
		conn.FlushSet(s.set)
		if len(s.elems) == 0 {
			continue
		}
		if err := conn.SetAddElements(s.set, s.elems); err != nil {
			return fmt.Errorf("adding elements to %s: %w", s.set.Name, err)
		}
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flushing set update: %w", err)
	}
	return nil
}

func splitFamilies(ips []string) (v4, v6 []nftables.SetElement) {
	for _, s := range ips {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			b := addr.As4()
			v4 = append(v4, nftables.SetElement{Key: b[:]})
		} else {
			b := addr.As16()
			v6 = append(v6, nftables.SetElement{Key: b[:]})
		}
	}
	return v4, v6
}
