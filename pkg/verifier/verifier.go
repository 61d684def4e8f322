// Package verifier adapts the trusted collaborators (signed spends, CRDT
// registers) to the validate/merge capability the record store calls.
package verifier

import (
	"fmt"

	"swarmstore/pkg/record"
	"swarmstore/pkg/register"
	"swarmstore/pkg/transfer"
)

// Verifier dispatches by record kind.
type Verifier struct{}

func New() *Verifier { return &Verifier{} }

func (*Verifier) Validate(r *record.Record) error {
	var err error
	switch r.Kind {
	case record.KindChunk:
		err = r.VerifyAddress()
	case record.KindSpend:
		err = transfer.ValidateSpendRecord(r)
	case record.KindRegister:
		err = register.Validate(r)
	default:
		err = fmt.Errorf("unknown kind %s", r.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrInvalidRecord, err)
	}
	return nil
}

func (*Verifier) Merge(a, b *record.Record) (*record.Record, error) {
	if a.Kind != record.KindRegister || b.Kind != record.KindRegister {
		return nil, fmt.Errorf("%w: only registers merge", record.ErrInvalidRecord)
	}
	return register.Merge(a, b)
}
