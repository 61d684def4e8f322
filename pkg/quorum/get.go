package quorum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

type getResult struct {
	target   target
	versions []*record.Record
	err      error
}

// answer groups byte-identical responses.
type answer struct {
	versions []*record.Record
	peers    []xor.Identifier
}

// answerKey identifies a version set independent of order.
func answerKey(versions []*record.Record) string {
	digests := make([]string, len(versions))
	for i, v := range versions {
		d := v.Digest()
		digests[i] = string(d[:])
	}
	sort.Strings(digests)
	return strings.Join(digests, "")
}

// Get reads addr from its close group. It returns the record once a majority
// hold byte-identical versions, a *record.ConflictError if that majority
// holds a conflict set, record.ErrNotFound if a majority hold nothing and no
// member holds anything, and a *record.InconclusiveError otherwise.
func (e *Engine) Get(ctx context.Context, addr xor.Identifier) (rec *record.Record, err error) {
	opID := uuid.New()
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case record.IsNotFound(err):
			result = "not_found"
		case errors.Is(err, record.ErrInconclusive):
			result = "inconclusive"
		case errors.Is(err, record.ErrConflictingWrite):
			result = "conflict"
		case err != nil:
			result = "error"
		}
		e.metrics.QuorumOps.WithLabelValues("get", result).Inc()
		e.metrics.QuorumLatency.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	group := e.targets(addr)
	quorum := e.Quorum()
	alts := e.newAlternates(addr, group)
	// Buffered for every possible sender so abandoned requests never block.
	results := make(chan getResult, len(group)+e.opts.MaxAlternates)

	launch := func(t target) {
		go func() {
			var versions []*record.Record
			var err error
			if t.local {
				versions, err = e.local.Versions(addr)
			} else {
				versions, err = e.transport.GetRecord(ctx, t.peer, addr)
			}
			results <- getResult{target: t, versions: versions, err: err}
		}()
	}
	for _, t := range group {
		launch(t)
	}

	answers := make(map[string]*answer)
	var order []string
	notFound := 0
	missing := make(map[xor.Identifier]error)
	heard := make(map[xor.Identifier]bool)
	outstanding := len(group)

	for outstanding > 0 {
		var res getResult
		select {
		case res = <-results:
		case <-ctx.Done():
			for _, t := range group {
				if !heard[t.peer.ID] {
					missing[t.peer.ID] = ctx.Err()
				}
			}
			outstanding = 0
			continue
		}
		outstanding--
		heard[res.target.peer.ID] = true

		switch {
		case res.err == nil && len(res.versions) > 0:
			key := answerKey(res.versions)
			a, ok := answers[key]
			if !ok {
				a = &answer{versions: res.versions}
				answers[key] = a
				order = append(order, key)
			}
			a.peers = append(a.peers, res.target.peer.ID)
			if len(a.peers) >= quorum {
				e.logger.Debug("Quorum read satisfied",
					zap.String("op", opID.String()),
					zap.String("address", addr.String()),
					zap.Int("agreeing", len(a.peers)))
				if len(a.versions) > 1 {
					return nil, &record.ConflictError{Address: addr, Versions: a.versions}
				}
				return a.versions[0], nil
			}
		case record.IsNotFound(res.err) || (res.err == nil && len(res.versions) == 0):
			notFound++
		default:
			missing[res.target.peer.ID] = res.err
			if isUnreachable(res.err) {
				if alt, ok := alts.next(); ok {
					e.logger.Debug("Substituting unreachable member",
						zap.String("op", opID.String()),
						zap.String("failed", res.target.peer.ID.Short()),
						zap.String("alternate", alt.peer.ID.Short()))
					launch(alt)
					outstanding++
				}
			}
		}
	}

	if len(answers) == 0 && (notFound >= quorum || (notFound > 0 && len(missing) == 0)) {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, addr.Short())
	}

	inconclusive := &record.InconclusiveError{Address: addr, Missing: missing}
	for _, key := range order {
		a := answers[key]
		inconclusive.Responses = append(inconclusive.Responses, record.Response{Versions: a.versions, Peers: a.peers})
	}
	e.logger.Warn("Quorum read inconclusive",
		zap.String("op", opID.String()),
		zap.String("address", addr.String()),
		zap.Int("distinct", len(answers)),
		zap.Int("not_found", notFound),
		zap.Int("missing", len(missing)))
	return nil, inconclusive
}
