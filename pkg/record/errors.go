package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"swarmstore/pkg/xor"
)

var (
	ErrInvalidRecord       = errors.New("record: invalid record")
	ErrAddressMismatch     = fmt.Errorf("%w: address mismatch", ErrInvalidRecord)
	ErrPaymentInvalid      = errors.New("record: payment invalid")
	ErrPaymentAlreadyUsed  = errors.New("record: payment already used")
	ErrConflictingWrite    = errors.New("record: conflicting write")
	ErrDoubleSpendDetected = fmt.Errorf("%w: double spend detected", ErrConflictingWrite)
	ErrNotFound            = errors.New("record: not found")
	ErrPartialReplication  = errors.New("record: partial replication failure")
	ErrInconclusive        = errors.New("record: quorum inconclusive")
	ErrPeerUnreachable     = errors.New("record: peer unreachable")
)

// IsNotFound reports whether err means the address holds nothing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsFatal reports whether err rejects the write itself, so retrying the same
// request anywhere is pointless.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrPaymentInvalid) ||
		errors.Is(err, ErrPaymentAlreadyUsed) ||
		errors.Is(err, ErrConflictingWrite)
}

// ConflictError reports every version held at a uniqueness-constrained
// address. Versions are never resolved here.
type ConflictError struct {
	Address  xor.Identifier
	Versions []*Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v at %s: %d versions", e.sentinel(), e.Address.Short(), len(e.Versions))
}

func (e *ConflictError) Unwrap() error { return e.sentinel() }

func (e *ConflictError) sentinel() error {
	if len(e.Versions) > 0 && e.Versions[0].Kind == KindSpend {
		return ErrDoubleSpendDetected
	}
	return ErrConflictingWrite
}

// PartialReplicationError is a soft failure: the write reached Acked peers,
// which may or may not form a quorum, and failed on the peers in Failed.
type PartialReplicationError struct {
	Address xor.Identifier
	Acked   []xor.Identifier
	Failed  map[xor.Identifier]error
	Quorum  bool
}

func (e *PartialReplicationError) Error() string {
	peers := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		peers = append(peers, id.Short())
	}
	sort.Strings(peers)
	return fmt.Sprintf("%v for %s: acked=%d quorum=%t failed=[%s]",
		ErrPartialReplication, e.Address.Short(), len(e.Acked), e.Quorum, strings.Join(peers, ","))
}

func (e *PartialReplicationError) Unwrap() error { return ErrPartialReplication }

// Cause combines the per-peer failures.
func (e *PartialReplicationError) Cause() error {
	var err error
	for _, peerErr := range e.Failed {
		err = multierr.Append(err, peerErr)
	}
	return err
}

// Response is one distinct answer observed during a quorum read.
type Response struct {
	Versions []*Record
	Peers    []xor.Identifier
}

// InconclusiveError carries every distinct answer seen when no majority agreed.
type InconclusiveError struct {
	Address   xor.Identifier
	Responses []Response
	Missing   map[xor.Identifier]error
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("%v for %s: %d distinct responses, %d peers silent or failed",
		ErrInconclusive, e.Address.Short(), len(e.Responses), len(e.Missing))
}

func (e *InconclusiveError) Unwrap() error { return ErrInconclusive }
