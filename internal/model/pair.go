package model

import (
	"fmt"
	"strings"
)

const pairSeparator = ":"

// Pair identifies one monitored asset on one exchange.
type Pair struct {
	Asset    string
	Exchange string
}

// NewPair canonicalises asset and exchange names.
func NewPair(asset, exchange string) Pair {
	return Pair{Asset: NormalizeAsset(asset), Exchange: NormalizeExchange(exchange)}
}

// NormalizeAsset converts "btc/usdt" style names into "BTC-USDT".
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(asset), "/", "-"))
}

// NormalizeExchange lowercases exchange identifiers.
func NormalizeExchange(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// ParsePairID parses an active-pair member of the form "ASSET:EXCHANGE".
func ParsePairID(id string) (Pair, error) {
	asset, exchange, ok := strings.Cut(id, pairSeparator)
	if !ok {
		return Pair{}, fmt.Errorf("pair id %q: missing %q separator", id, pairSeparator)
	}
	pair := NewPair(asset, exchange)
	if pair.Asset == "" || pair.Exchange == "" {
		return Pair{}, fmt.Errorf("pair id %q: empty asset or exchange", id)
	}
	return pair, nil
}

// ID renders the pair in the active-pair set format.
func (p Pair) ID() string {
	return p.Asset + pairSeparator + p.Exchange
}

func (p Pair) String() string {
	return p.Asset + " on " + p.Exchange
}
