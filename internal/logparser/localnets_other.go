//go:build !linux

package logparser

import (
	"errors"
	"net/netip"
)

// DetectLocalSubnets is only available on Linux.
func DetectLocalSubnets() ([]netip.Prefix, error) {
	return nil, errors.New("local subnet detection is not supported on this platform")
}
