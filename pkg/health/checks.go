// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"

	"github.com/absmach/coapnet/pkg/address"
)

// StatsSource reports address cache occupancy.
type StatsSource interface {
	Stats() address.Stats
}

// ErrorSource reports the last recorded socket error kind.
type ErrorSource interface {
	LastError() string
}

// ErrorSourceFunc adapts a function to ErrorSource.
type ErrorSourceFunc func() string

func (f ErrorSourceFunc) LastError() string { return f() }

// CacheSaturation fails once the cache has no free slot left.
// Passive peers are reported but count toward occupancy.
func CacheSaturation(src StatsSource) CheckFunc {
	return func(ctx context.Context) error {
		s := src.Stats()
		if s.Capacity > 0 && s.Entries >= s.Capacity {
			return fmt.Errorf("address cache full: %d/%d slots, %d passive", s.Entries, s.Capacity, s.Passive)
		}
		return nil
	}
}

// SocketState fails while the socket reports an error other than "none".
func SocketState(src ErrorSource) CheckFunc {
	return func(ctx context.Context) error {
		if kind := src.LastError(); kind != "" && kind != "none" {
			return fmt.Errorf("socket error: %s", kind)
		}
		return nil
	}
}
