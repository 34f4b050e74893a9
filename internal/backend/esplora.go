package backend

import (
	"context"
	"errors"
	"math"
	"strconv"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// It differs from mempool.space only in fee estimation.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{MempoolBackend: NewMempoolBackend(baseURL)}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's confirmation-target table onto FeeEstimate.
// Rates are rounded up to whole sat/vB.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var table map[string]float64
	if err := e.get(ctx, "/fee-estimates", &table); err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, errors.New("esplora returned an empty fee table")
	}
	return &FeeEstimate{
		FastestFee:  esploraRate(table, 1),
		HalfHourFee: esploraRate(table, 3),
		HourFee:     esploraRate(table, 6),
		EconomyFee:  esploraRate(table, 144),
		MinimumFee:  1,
	}, nil
}

// esploraRate returns the rate for the nearest target at or above target.
// Esplora omits targets at times; without a slower one the slowest known
// target is used.
func esploraRate(table map[string]float64, target int) uint64 {
	best, slowest := -1, -1
	var rate, slowRate float64
	for key, r := range table {
		n, err := strconv.Atoi(key)
		if err != nil || n <= 0 {
			continue
		}
		if n >= target && (best < 0 || n < best) {
			best, rate = n, r
		}
		if n > slowest {
			slowest, slowRate = n, r
		}
	}
	if best < 0 {
		rate = slowRate
	}
	if r := uint64(math.Ceil(rate)); r > 1 {
		return r
	}
	return 1
}

var _ Backend = (*EsploraBackend)(nil)
