// Package payment prices writes and checks the payment proofs attached to
// them, including replay protection.
package payment

import (
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

// Options holds the pricing policy. Every close group member must run the
// same values.
type Options struct {
	MinPrice uint64
	MaxPrice uint64
	// Tolerance is the fraction below the current price a payment may fall
	// and still be accepted, absorbing price movement since the quote.
	Tolerance float64
	// QuoteValidity bounds how old (or how far in the future) a quote may be.
	QuoteValidity time.Duration
	// SeenRetention is how long used proof IDs are remembered.
	SeenRetention time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *zap.Logger
}

// Validator verifies payment proofs against the local price.
type Validator struct {
	opts     Options
	logger   *zap.Logger
	fullness func() float64
	group    func(xor.Identifier) []xor.Identifier
	seen     *cache.Cache
}

// NewValidator builds a validator. fullness reports local store usage in
// [0,1]; group returns the current close group of an address, used to check
// who was paid.
func NewValidator(opts Options, fullness func() float64, group func(xor.Identifier) []xor.Identifier) *Validator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPrice < opts.MinPrice {
		opts.MaxPrice = opts.MinPrice
	}
	if opts.SeenRetention <= 0 {
		opts.SeenRetention = 24 * time.Hour
	}
	return &Validator{
		opts:     opts,
		logger:   opts.Logger,
		fullness: fullness,
		group:    group,
		seen:     cache.New(opts.SeenRetention, opts.SeenRetention/2),
	}
}

// Price is the current cost of one write: it grows with the square of local
// store fullness from MinPrice to MaxPrice.
func (v *Validator) Price() uint64 {
	f := 0.0
	if v.fullness != nil {
		f = math.Min(math.Max(v.fullness(), 0), 1)
	}
	span := float64(v.opts.MaxPrice - v.opts.MinPrice)
	return v.opts.MinPrice + uint64(span*f*f)
}

// Quote returns what a wallet must pay to store kind at address now.
func (v *Validator) Quote(address xor.Identifier, kind record.Kind) transfer.Quote {
	var rewards []xor.Identifier
	if v.group != nil {
		rewards = v.group(address)
	}
	return transfer.Quote{
		Address:   address,
		Kind:      kind,
		Price:     v.Price(),
		QuotedAt:  v.opts.Clock(),
		RewardIDs: rewards,
	}
}

// Verify checks that r's proof pays for exactly r at the current price. It
// does not consume the proof.
func (v *Validator) Verify(r *record.Record) error {
	p := r.Proof
	if p == nil {
		return fmt.Errorf("%w: %s requires payment", record.ErrPaymentInvalid, r.Kind)
	}
	// A proof already spent elsewhere is a replay whatever it claims to bind.
	if prior, ok := v.seen.Get(p.ID.String()); ok && prior.(xor.Identifier) != r.Address {
		return fmt.Errorf("%w: proof %s already paid for %s", record.ErrPaymentAlreadyUsed, p.ID, prior.(xor.Identifier).Short())
	}
	if !p.Authorizes(r.Address, r.Kind) {
		return fmt.Errorf("%w: proof issued for %s %s", record.ErrPaymentInvalid, p.Kind, p.Address.Short())
	}
	if err := transfer.VerifyProof(p); err != nil {
		return err
	}

	now := v.opts.Clock()
	if v.opts.QuoteValidity > 0 {
		age := now.Sub(p.QuotedAt)
		if age > v.opts.QuoteValidity || -age > v.opts.QuoteValidity {
			return fmt.Errorf("%w: quote from %s outside validity window", record.ErrPaymentInvalid, p.QuotedAt.Format(time.RFC3339))
		}
	}

	price := v.Price()
	floor := uint64(math.Floor(float64(price) * (1 - v.opts.Tolerance)))
	if p.Amount < floor || p.Amount < p.QuotedPrice {
		return fmt.Errorf("%w: paid %d, price %d (quoted %d)", record.ErrPaymentInvalid, p.Amount, price, p.QuotedPrice)
	}
	return v.checkRewards(p)
}

// checkRewards requires a majority of the paid reward IDs to be current
// close group members, tolerating some churn since the quote.
func (v *Validator) checkRewards(p *record.PaymentProof) error {
	if v.group == nil {
		return nil
	}
	if len(p.RewardIDs) == 0 {
		return fmt.Errorf("%w: no reward recipients", record.ErrPaymentInvalid)
	}
	members := make(map[xor.Identifier]bool)
	for _, id := range v.group(p.Address) {
		members[id] = true
	}
	matched := 0
	for _, id := range p.RewardIDs {
		if members[id] {
			matched++
		}
	}
	if matched*2 <= len(p.RewardIDs) {
		return fmt.Errorf("%w: %d of %d reward recipients are in the close group", record.ErrPaymentInvalid, matched, len(p.RewardIDs))
	}
	return nil
}

// Consume marks the proof used for address and reports whether this call
// was the first use. Re-consuming for the same address is a re-delivery and
// succeeds; any other address is a replay.
func (v *Validator) Consume(p *record.PaymentProof, address xor.Identifier) (bool, error) {
	key := p.ID.String()
	if err := v.seen.Add(key, address, cache.DefaultExpiration); err == nil {
		return true, nil
	}
	prior, ok := v.seen.Get(key)
	if !ok {
		// expired between Add and Get
		return true, v.seen.Add(key, address, cache.DefaultExpiration)
	}
	if prior.(xor.Identifier) != address {
		v.logger.Warn("Payment proof replay rejected",
			zap.String("proof_id", key),
			zap.String("address", address.String()),
			zap.String("paid_for", prior.(xor.Identifier).String()))
		return false, fmt.Errorf("%w: proof %s already paid for %s", record.ErrPaymentAlreadyUsed, key, prior.(xor.Identifier).Short())
	}
	return false, nil
}

// Release forgets a consumed proof whose write did not commit.
func (v *Validator) Release(p *record.PaymentProof) {
	v.seen.Delete(p.ID.String())
}

// Seen is the number of remembered proofs.
func (v *Validator) Seen() int {
	return v.seen.ItemCount()
}

// Prune drops proofs older than the retention window.
func (v *Validator) Prune() {
	v.seen.DeleteExpired()
}
