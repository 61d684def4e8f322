package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

type putResult struct {
	target target
	err    error
}

// Put writes r to its close group. It returns nil once every targeted member
// acknowledged, or once a majority did and the rest were only slow. Members
// that keep failing after the retry rounds are reported in a
// *record.PartialReplicationError whose Quorum field says whether the write
// is nonetheless durable. A conflict reported by any member is returned as
// is; other rejections of the record itself are returned when no quorum
// accepted it.
func (e *Engine) Put(ctx context.Context, r *record.Record) (err error) {
	opID := uuid.New()
	start := time.Now()
	defer func() {
		result := "ok"
		var partial *record.PartialReplicationError
		switch {
		case errors.As(err, &partial) && partial.Quorum:
			result = "partial"
		case errors.Is(err, record.ErrConflictingWrite):
			result = "conflict"
		case err != nil:
			result = "error"
		}
		e.metrics.QuorumOps.WithLabelValues("put", result).Inc()
		e.metrics.QuorumLatency.WithLabelValues("put").Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	addr := r.Address
	group := e.targets(addr)
	quorum := e.Quorum()
	alts := e.newAlternates(addr, group)

	var acked []xor.Identifier
	failed := make(map[xor.Identifier]error)
	var conflict *record.ConflictError
	var fatal error

	pending := group
	for round := 0; round <= e.opts.RetryRounds && len(pending) > 0; round++ {
		if round > 0 {
			select {
			case <-time.After(e.opts.RetryDelay * time.Duration(round)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			e.logger.Debug("Retrying write on failed members",
				zap.String("op", opID.String()),
				zap.String("address", addr.String()),
				zap.Int("round", round),
				zap.Int("targets", len(pending)))
		}

		retry := e.putRound(ctx, r, pending, quorum-len(acked), func(t target, err error) {
			switch {
			case err == nil:
				acked = append(acked, t.peer.ID)
				delete(failed, t.peer.ID)
				if !t.local && e.opts.Acked != nil {
					e.opts.Acked(addr, t.peer.ID)
				}
			case errors.As(err, &conflict):
				failed[t.peer.ID] = err
			case record.IsFatal(err):
				failed[t.peer.ID] = err
				fatal = err
			default:
				failed[t.peer.ID] = err
			}
		})

		var next []target
		for _, t := range retry {
			if isUnreachable(failed[t.peer.ID]) {
				if alt, ok := alts.next(); ok {
					e.logger.Debug("Substituting unreachable member",
						zap.String("op", opID.String()),
						zap.String("failed", t.peer.ID.Short()),
						zap.String("alternate", alt.peer.ID.Short()))
					next = append(next, alt)
					continue
				}
			}
			next = append(next, t)
		}
		pending = next
		if conflict != nil {
			break
		}
	}

	if conflict != nil {
		e.logger.Warn("Write met a conflict",
			zap.String("op", opID.String()),
			zap.String("address", addr.String()),
			zap.Int("versions", len(conflict.Versions)))
		return conflict
	}
	if len(acked) < quorum && fatal != nil {
		return fatal
	}
	if len(failed) == 0 && len(acked) >= quorum {
		return nil
	}

	partial := &record.PartialReplicationError{
		Address: addr,
		Acked:   acked,
		Failed:  failed,
		Quorum:  len(acked) >= quorum,
	}
	if partial.Quorum {
		e.logger.Warn("Write durable with failed members",
			zap.String("op", opID.String()),
			zap.String("address", addr.String()),
			zap.Int("acked", len(acked)),
			zap.Int("failed", len(failed)))
	} else {
		e.logger.Error("Write did not reach quorum",
			zap.String("op", opID.String()),
			zap.String("address", addr.String()),
			zap.Int("acked", len(acked)),
			zap.Int("quorum", quorum),
			zap.Error(partial.Cause()))
	}
	return partial
}

// putRound sends r to every target in parallel and reports each answer to
// observe. Once need acks have arrived the stragglers are abandoned; when ctx
// expires they are reported as failed. It returns the targets that failed with
// an error worth retrying.
func (e *Engine) putRound(ctx context.Context, r *record.Record, targets []target, need int, observe func(target, error)) []target {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan putResult, len(targets))
	for _, t := range targets {
		t := t
		go func() {
			var err error
			if t.local {
				err = e.local.Admit(r)
			} else {
				err = e.transport.PutRecord(roundCtx, t.peer, r)
			}
			results <- putResult{target: t, err: err}
		}()
	}

	var retry []target
	heard := make(map[xor.Identifier]bool, len(targets))
	acks := 0
	for len(heard) < len(targets) {
		select {
		case res := <-results:
			heard[res.target.peer.ID] = true
			observe(res.target, res.err)
			switch {
			case res.err == nil:
				acks++
				if need > 0 && acks >= need {
					return retry
				}
			case !record.IsFatal(res.err):
				retry = append(retry, res.target)
			}
		case <-ctx.Done():
			for _, t := range targets {
				if !heard[t.peer.ID] {
					observe(t, fmt.Errorf("%w: %v", record.ErrPeerUnreachable, ctx.Err()))
				}
			}
			return nil
		}
	}
	return retry
}
