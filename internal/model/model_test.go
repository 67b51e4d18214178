package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairID(t *testing.T) {
	testCases := []struct {
		name    string
		id      string
		want    Pair
		wantErr bool
	}{
		{name: "canonical", id: "BTC-USDT:binance", want: Pair{Asset: "BTC-USDT", Exchange: "binance"}},
		{name: "slash and case", id: "eth/usdt:OKX", want: Pair{Asset: "ETH-USDT", Exchange: "okx"}},
		{name: "missing separator", id: "BTC-USDT", wantErr: true},
		{name: "empty exchange", id: "BTC-USDT:", wantErr: true},
		{name: "empty asset", id: ":binance", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePairID(tc.id)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.Asset+":"+tc.want.Exchange, got.ID())
		})
	}
}

func TestParseSubscription(t *testing.T) {
	sub, err := ParseSubscription("Binance", "u1", `{"asset":"btc/usdt","threshold":45000}`)
	require.NoError(t, err)
	assert.Equal(t, Subscription{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance", Threshold: 45000}, sub)

	sub, err = ParseSubscription("binance", "u2", `{"asset":"ETH-USDT","threshold":"2500.5"}`)
	require.NoError(t, err)
	assert.Equal(t, 2500.5, sub.Threshold)

	for _, raw := range []string{
		`not json`,
		`{"asset":"BTC-USDT","threshold":"abc"}`,
		`{"asset":"BTC-USDT"}`,
		`{"threshold":1}`,
	} {
		_, err := ParseSubscription("binance", "u3", raw)
		assert.Error(t, err, raw)
	}
}

func TestEncodeSubscriptionRoundTrip(t *testing.T) {
	raw, err := EncodeSubscription("sol/usdt", 150)
	require.NoError(t, err)

	sub, err := ParseSubscription("bybit", "42", raw)
	require.NoError(t, err)
	assert.Equal(t, "SOL-USDT", sub.Asset)
	assert.Equal(t, 150.0, sub.Threshold)
}

func TestNewAlertEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sub := Subscription{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance", Threshold: 45000}

	event := NewAlertEvent(sub, 46000, at)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, sub.Key(), event.Key())
	assert.Equal(t, "u1:BTC-USDT:binance", event.Key().String())
	assert.Contains(t, event.Message, "BTC-USDT on binance price 46000 crossed your threshold 45000")
	assert.Contains(t, event.Message, "2024-05-01T12:00:00Z")
}

func TestDecodeAlertEventAcceptsEventsWithoutID(t *testing.T) {
	payload := `{"user_id":"5314051824","asset":"BTC-USDT","exchange":"binance","price":46000.0,` +
		`"threshold":45000.0,"timestamp":"2024-05-01T12:00:00.123456+00:00","message":"hi"}`

	event, err := DecodeAlertEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, event.ID)
	assert.Equal(t, "5314051824", event.UserID)
	assert.Equal(t, 46000.0, event.Price)

	_, err = DecodeAlertEvent([]byte(`{"asset":"BTC-USDT"}`))
	assert.Error(t, err)
	_, err = DecodeAlertEvent([]byte(`{`))
	assert.Error(t, err)
}
