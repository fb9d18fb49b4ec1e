package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
)

func TestFees(t *testing.T) {
	fees := NewFees(config.Ledger{PlatformFeeBps: 500, CardFeeBps: 290, CardFixedFee: 30, PayoutFeeBps: 25})

	tests := []struct {
		name     string
		amount   int64
		platform int64
		card     int64
		payout   int64
		net      int64
	}{
		{"hundred dollars", 10000, 500, 320, 25, 9180},
		{"one dollar", 100, 5, 33, 0, 62},
		{"rounds half up", 1010, 51, 59, 3, 900},
		{"zero", 0, 0, 30, 0, -30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.platform, fees.Platform(tt.amount))
			assert.Equal(t, tt.card, fees.Card(tt.amount))
			assert.Equal(t, tt.payout, fees.Payout(tt.amount))
			assert.Equal(t, tt.net, fees.CreatorNet(tt.amount))
		})
	}
}
