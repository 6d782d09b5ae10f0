// Package quote provides last-trade prices for TWSE/TPEX symbols.
//
// The Source interface is the seam the scheduler consumes; the production
// implementation is Client (the MIS REST endpoint) and tests substitute
// fakes. A small TTL cache in front of the source guarantees each symbol is
// fetched at most once per freshness window even when many triggers
// reference it.
package quote

import (
	"context"
	"errors"

	"trigger-engine/pkg/types"
)

// ErrUnavailable is returned when no usable price exists for a symbol this
// round — the endpoint was unreachable, returned no data, or reported a zero
// price (typically a closed market). Transient: the scheduler skips the
// symbol and retries next round.
var ErrUnavailable = errors.New("quote unavailable")

// Source fetches the current last-trade price for one symbol.
type Source interface {
	Fetch(ctx context.Context, symbol string) (types.Quote, error)
}
