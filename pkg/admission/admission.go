// Package admission decides whether a write may enter the local store:
// integrity, then payment, then conflict detection and commit.
package admission

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"swarmstore/pkg/metrics"
	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

// Store is the commit target. Put performs the conflict check and the write
// as one step so two concurrent spends cannot both slip in.
type Store interface {
	Put(r *record.Record) error
	Has(addr xor.Identifier) bool
}

// Integrity validates kind-specific payload proofs.
type Integrity interface {
	Validate(r *record.Record) error
}

// Payments verifies and consumes payment proofs.
type Payments interface {
	Verify(r *record.Record) error
	Consume(p *record.PaymentProof, addr xor.Identifier) (bool, error)
	Release(p *record.PaymentProof)
}

// Scheduler receives records to push to the rest of the close group.
type Scheduler interface {
	Schedule(r *record.Record)
}

// Controller runs the admission pipeline.
type Controller struct {
	store     Store
	integrity Integrity
	payments  Payments
	scheduler Scheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(store Store, integrity Integrity, payments Payments, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     store,
		integrity: integrity,
		payments:  payments,
		metrics:   metrics.OrNew(m),
		logger:    logger,
	}
}

// SetScheduler wires push-on-write. Without one, admitted records are only
// stored locally.
func (c *Controller) SetScheduler(s Scheduler) {
	c.scheduler = s
}

// Admit handles a client write. Chunks and new registers must carry a valid,
// unused payment proof.
func (c *Controller) Admit(r *record.Record) error {
	return c.admit(r, true, true)
}

// AdmitForwarded handles a client write relayed by the node where it entered
// the network. Payment is checked as for Admit, but the entry node already
// sent the write to the whole close group, so nothing is rescheduled.
func (c *Controller) AdmitForwarded(r *record.Record) error {
	return c.admit(r, true, false)
}

// AdmitReplica handles a record pushed or fetched from a close group peer.
// Payment was settled where the write entered the network, so only
// integrity and conflicts are checked, and nothing is rescheduled.
func (c *Controller) AdmitReplica(r *record.Record) error {
	return c.admit(r, false, false)
}

func (c *Controller) admit(r *record.Record, client, push bool) (err error) {
	defer func() {
		c.metrics.Admissions.WithLabelValues(resultLabel(err)).Inc()
	}()

	if err := c.checkIntegrity(r); err != nil {
		c.logger.Debug("Rejected invalid record", zap.Stringer("record", r), zap.Error(err))
		return err
	}

	var consumed bool
	if client && c.needsPayment(r) {
		if err := c.payments.Verify(r); err != nil {
			return err
		}
		fresh, err := c.payments.Consume(r.Proof, r.Address)
		if err != nil {
			return err
		}
		consumed = fresh
	}

	err = c.store.Put(r)
	var conflict *record.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		c.metrics.Conflicts.Inc()
		c.logger.Warn("Conflicting write detected",
			zap.String("address", r.Address.String()),
			zap.Stringer("kind", r.Kind),
			zap.Int("versions", len(conflict.Versions)))
	default:
		if consumed {
			c.payments.Release(r.Proof)
		}
		return err
	}

	// Conflicts are spread too, so every close group member sees every
	// version.
	if push && c.scheduler != nil {
		c.scheduler.Schedule(r.WithProof(nil))
	}
	return err
}

func (c *Controller) checkIntegrity(r *record.Record) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %s", record.ErrInvalidRecord, r.Kind)
	}
	if r.Address.IsZero() {
		return fmt.Errorf("%w: zero address", record.ErrInvalidRecord)
	}
	if err := r.VerifyAddress(); err != nil {
		return err
	}
	if c.integrity == nil || r.Kind == record.KindChunk {
		return nil
	}
	if err := c.integrity.Validate(r); err != nil {
		if errors.Is(err, record.ErrInvalidRecord) {
			return err
		}
		return fmt.Errorf("%w: %v", record.ErrInvalidRecord, err)
	}
	return nil
}

// needsPayment is true for chunks and for registers not yet held here.
// Appending to an existing register rides on its creation payment.
func (c *Controller) needsPayment(r *record.Record) bool {
	if !r.Kind.RequiresPayment() || c.payments == nil {
		return false
	}
	if r.Kind == record.KindRegister && c.store.Has(r.Address) {
		return false
	}
	return true
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, record.ErrInvalidRecord):
		return "invalid"
	case errors.Is(err, record.ErrPaymentAlreadyUsed):
		return "replay"
	case errors.Is(err, record.ErrPaymentInvalid):
		return "payment_invalid"
	case errors.Is(err, record.ErrConflictingWrite):
		return "conflict"
	default:
		return "error"
	}
}
