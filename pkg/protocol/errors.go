package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

// mapErr converts a handler error into a gRPC status. Conflict sets,
// inconclusive reads and partial writes travel as status details so the
// caller sees what the group answered.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var (
		conflict     *record.ConflictError
		inconclusive *record.InconclusiveError
		partial      *record.PartialReplicationError
	)
	switch {
	case errors.As(err, &conflict):
		st := status.New(codes.Aborted, err.Error())
		if detailed, derr := st.WithDetails(
			wrapperspb.Bytes(conflict.Address[:]),
			wrapperspb.Bytes(record.MarshalSet(conflict.Versions)),
		); derr == nil {
			st = detailed
		}
		return st.Err()
	case errors.Is(err, record.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, record.ErrInvalidRecord):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, record.ErrPaymentAlreadyUsed):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, record.ErrPaymentInvalid):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, record.ErrConflictingWrite):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &inconclusive):
		return withDetail(codes.DataLoss, err, marshalInconclusive(inconclusive))
	case errors.Is(err, record.ErrInconclusive):
		return status.Error(codes.DataLoss, err.Error())
	case errors.As(err, &partial):
		return withDetail(codes.Unavailable, err, marshalPartial(partial))
	case errors.Is(err, record.ErrPartialReplication):
		// Too few members answered; the client may retry.
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrNotResponsible), errors.Is(err, ErrUnknownPeer):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// mapRPC converts a gRPC status back into the record error taxonomy.
// Transport failures become record.ErrPeerUnreachable.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", record.ErrNotFound, msg)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", record.ErrInvalidRecord, msg)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", record.ErrPaymentAlreadyUsed, msg)
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", record.ErrPaymentInvalid, msg)
	case codes.Aborted:
		if conflict := conflictFromStatus(st); conflict != nil {
			return conflict
		}
		return fmt.Errorf("%w: %s", record.ErrConflictingWrite, msg)
	case codes.DataLoss:
		if inconclusive := inconclusiveFromStatus(st); inconclusive != nil {
			return inconclusive
		}
		return fmt.Errorf("%w: %s", record.ErrInconclusive, msg)
	case codes.Unavailable:
		if partial := partialFromStatus(st); partial != nil {
			return partial
		}
		return fmt.Errorf("%w: %s: %s", record.ErrPeerUnreachable, st.Code(), msg)
	case codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s: %s", record.ErrPeerUnreachable, st.Code(), msg)
	default:
		return err
	}
}

func conflictFromStatus(st *status.Status) *record.ConflictError {
	var parts [][]byte
	for _, d := range st.Details() {
		if b, ok := d.(*wrapperspb.BytesValue); ok {
			parts = append(parts, b.GetValue())
		}
	}
	if len(parts) != 2 {
		return nil
	}
	addr, err := xor.FromBytes(parts[0])
	if err != nil {
		return nil
	}
	versions, err := record.UnmarshalSet(parts[1])
	if err != nil || len(versions) == 0 {
		return nil
	}
	return &record.ConflictError{Address: addr, Versions: versions}
}

func withDetail(code codes.Code, err error, detail []byte) error {
	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(wrapperspb.Bytes(detail)); derr == nil {
		st = detailed
	}
	return st.Err()
}

// singleDetail returns the payload of a status carrying exactly one
// BytesValue detail.
func singleDetail(st *status.Status) ([]byte, bool) {
	details := st.Details()
	if len(details) != 1 {
		return nil, false
	}
	b, ok := details[0].(*wrapperspb.BytesValue)
	if !ok {
		return nil, false
	}
	return b.GetValue(), true
}

func appendIDs(b []byte, num protowire.Number, ids []xor.Identifier) []byte {
	for _, id := range ids {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

func sortedIDs(m map[xor.Identifier]error) []xor.Identifier {
	ids := make([]xor.Identifier, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// marshalInconclusive encodes: 1 address, 2 repeated response
// (1 version set, 2 repeated peer id), 3 repeated missing peer id.
// Per-peer failure causes stay on the server.
func marshalInconclusive(e *record.InconclusiveError) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Address[:])
	for _, resp := range e.Responses {
		var rb []byte
		rb = protowire.AppendTag(rb, 1, protowire.BytesType)
		rb = protowire.AppendBytes(rb, record.MarshalSet(resp.Versions))
		rb = appendIDs(rb, 2, resp.Peers)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return appendIDs(b, 3, sortedIDs(e.Missing))
}

func inconclusiveFromStatus(st *status.Status) *record.InconclusiveError {
	detail, ok := singleDetail(st)
	if !ok {
		return nil
	}
	e := &record.InconclusiveError{Missing: make(map[xor.Identifier]error)}
	err := fields(detail, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			addr, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			e.Address = addr
		case 2:
			var resp record.Response
			err := fields(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					versions, err := record.UnmarshalSet(v)
					if err != nil {
						return err
					}
					resp.Versions = versions
				case 2:
					id, err := xor.FromBytes(v)
					if err != nil {
						return err
					}
					resp.Peers = append(resp.Peers, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			e.Responses = append(e.Responses, resp)
		case 3:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			e.Missing[id] = record.ErrPeerUnreachable
		}
		return nil
	})
	if err != nil || e.Address.IsZero() {
		return nil
	}
	return e
}

// marshalPartial encodes: 1 address, 2 repeated acked id, 3 repeated failed
// id, 4 present when the write reached a quorum.
func marshalPartial(e *record.PartialReplicationError) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Address[:])
	b = appendIDs(b, 2, e.Acked)
	b = appendIDs(b, 3, sortedIDs(e.Failed))
	if e.Quorum {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}

func partialFromStatus(st *status.Status) *record.PartialReplicationError {
	detail, ok := singleDetail(st)
	if !ok {
		return nil
	}
	e := &record.PartialReplicationError{Failed: make(map[xor.Identifier]error)}
	err := fields(detail, func(num protowire.Number, v []byte) error {
		switch num {
		case 1, 2, 3:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			switch num {
			case 1:
				e.Address = id
			case 2:
				e.Acked = append(e.Acked, id)
			case 3:
				e.Failed[id] = record.ErrPeerUnreachable
			}
		case 4:
			e.Quorum = true
		}
		return nil
	})
	if err != nil || e.Address.IsZero() {
		return nil
	}
	return e
}

// IsRetryable reports whether a failed call is worth repeating against the
// same peer. A partial write that reached a quorum is already durable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var partial *record.PartialReplicationError
	if errors.As(err, &partial) {
		return !partial.Quorum
	}
	if errors.Is(err, record.ErrPeerUnreachable) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
