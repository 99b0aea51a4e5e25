// Package rates supplies per-group commission and withholding rates. Rates
// are configuration owned outside the engine; every caller sources them
// through a Provider at call time, never from constants.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrGroupNotConfigured is returned when a group has no rate settings row.
var ErrGroupNotConfigured = errors.New("rates: group not configured")

// GroupRates holds one group's rates as fractions (0.15 == 15%).
type GroupRates struct {
	Commission  float64
	Withholding float64
}

// CommissionOf applies the commission rate to an amount in minor units.
func (r GroupRates) CommissionOf(amount int64) int64 {
	return int64(math.Round(float64(amount) * r.Commission))
}

// WithholdingOf applies the withholding rate to an amount in minor units.
func (r GroupRates) WithholdingOf(amount int64) int64 {
	return int64(math.Round(float64(amount) * r.Withholding))
}

// Provider resolves a group's rates.
type Provider interface {
	GroupRates(ctx context.Context, groupID string) (GroupRates, error)
}

// Source reads rates from the group_settings table.
type Source struct {
	pool *pgxpool.Pool
}

func NewSource(pool *pgxpool.Pool) *Source {
	return &Source{pool: pool}
}

func (s *Source) GroupRates(ctx context.Context, groupID string) (GroupRates, error) {
	if groupID == "" {
		return GroupRates{}, fmt.Errorf("rates: missing group id")
	}

	var r GroupRates
	err := s.pool.QueryRow(ctx, `
SELECT commission_rate, withholding_rate
FROM group_settings
WHERE group_id = $1
`, groupID).Scan(&r.Commission, &r.Withholding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GroupRates{}, fmt.Errorf("%w: %s", ErrGroupNotConfigured, groupID)
		}
		return GroupRates{}, fmt.Errorf("rates: query group settings: %w", err)
	}
	return r, nil
}
