package payment

import (
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Fees is the platform fee schedule. Rates are basis points, fixed parts are cents.
type Fees struct {
	PlatformBps int64
	CardBps     int64
	CardFixed   int64
	PayoutBps   int64
}

func NewFees(cfg config.Ledger) Fees {
	return Fees{
		PlatformBps: cfg.PlatformFeeBps,
		CardBps:     cfg.CardFeeBps,
		CardFixed:   cfg.CardFixedFee,
		PayoutBps:   cfg.PayoutFeeBps,
	}
}

// share returns amount*bps/10000 rounded half away from zero to whole cents.
func share(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(bpsDivisor).
		Round(0).
		IntPart()
}

func (f Fees) Platform(amount int64) int64 {
	return share(amount, f.PlatformBps)
}

func (f Fees) Card(amount int64) int64 {
	return share(amount, f.CardBps) + f.CardFixed
}

func (f Fees) Payout(amount int64) int64 {
	return share(amount, f.PayoutBps)
}

// CreatorNet is what reaches the creator for a direct project payment.
func (f Fees) CreatorNet(amount int64) int64 {
	return amount - f.Platform(amount) - f.Card(amount)
}
