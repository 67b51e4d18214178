package fetcher

import "context"

// Unavailable is the sentinel price returned when no usable quote exists.
const Unavailable = 0.0

// PriceFetcher retrieves the current spot price for one asset on one exchange.
// Implementations never fail the caller; they return Unavailable instead.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, exchange, asset string) float64
}
