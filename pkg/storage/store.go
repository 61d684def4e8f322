package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

var keyPrefix = []byte("rec/")

// Verifier is the trusted crypto/CRDT collaborator. Validate checks the
// internal integrity proof of register and spend payloads, Merge combines two
// versions of the same register.
type Verifier interface {
	Validate(r *record.Record) error
	Merge(a, b *record.Record) (*record.Record, error)
}

// Options configures a Store.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	MaxBytes   datasize.ByteSize
	MaxRecords int
	Self       xor.Identifier
	Verifier   Verifier
	Logger     *zap.Logger
}

type entry struct {
	kind     record.Kind
	size     int
	versions int
}

// Store is the local record store: one badger key per address holding the
// encoded set of versions. More than one version only ever exists for
// uniqueness-constrained kinds, where it is the conflict set.
type Store struct {
	db       *badger.DB
	self     xor.Identifier
	verifier Verifier
	logger   *zap.Logger

	maxBytes   uint64
	maxRecords int

	// writeMu serializes read-modify-write of a single address.
	writeMu sync.Mutex

	mu    sync.RWMutex
	index map[xor.Identifier]entry
	used  uint64
	bound func() xor.Distance
}

// Open opens or creates a store and loads its index.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	s := &Store{
		db:         db,
		self:       opts.Self,
		verifier:   opts.Verifier,
		logger:     logger,
		maxBytes:   opts.MaxBytes.Bytes(),
		maxRecords: opts.MaxRecords,
		index:      make(map[xor.Identifier]entry),
	}
	if err := s.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Record store opened",
		zap.Int("records", len(s.index)),
		zap.String("used", datasize.ByteSize(s.used).HumanReadable()))
	return s, nil
}

// SetResponsibilityBound installs the function reporting the distance from
// self to the k-th closest known peer. Records within it are never evicted.
func (s *Store) SetResponsibilityBound(bound func() xor.Distance) {
	s.mu.Lock()
	s.bound = bound
	s.mu.Unlock()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(addr xor.Identifier) []byte {
	return append(append([]byte(nil), keyPrefix...), addr[:]...)
}

func (s *Store) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			addr, err := xor.FromBytes(item.Key()[len(keyPrefix):])
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				versions, err := record.UnmarshalSet(val)
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					return nil
				}
				s.index[addr] = entry{kind: versions[0].Kind, size: len(val), versions: len(versions)}
				s.used += uint64(len(val))
				return nil
			})
			if err != nil {
				s.logger.Warn("Skipping unreadable record", zap.String("address", addr.String()), zap.Error(err))
			}
		}
		return nil
	})
}

// check runs the integrity check appropriate to the record kind.
func (s *Store) check(r *record.Record) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %s", record.ErrInvalidRecord, r.Kind)
	}
	if err := r.VerifyAddress(); err != nil {
		return err
	}
	if r.Kind != record.KindChunk && s.verifier != nil {
		if err := s.verifier.Validate(r); err != nil {
			if errors.Is(err, record.ErrInvalidRecord) {
				return err
			}
			return fmt.Errorf("%w: %v", record.ErrInvalidRecord, err)
		}
	}
	return nil
}

// Put stores r. Re-delivering a value already held succeeds without change.
// A different value at a uniqueness-constrained address is kept alongside the
// existing one and reported as a *record.ConflictError. Registers are merged.
func (s *Store) Put(r *record.Record) error {
	if err := s.check(r); err != nil {
		return err
	}
	stored := r.WithProof(nil)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.load(r.Address)
	if err != nil && !record.IsNotFound(err) {
		return err
	}

	var next []*record.Record
	var conflict error
	switch {
	case len(existing) == 0:
		next = []*record.Record{stored}
	case existing[0].Kind != r.Kind:
		return fmt.Errorf("%w: %s already holds a %s", record.ErrConflictingWrite, r.Address.Short(), existing[0].Kind)
	case containsContent(existing, stored):
		if len(existing) > 1 {
			return &record.ConflictError{Address: r.Address, Versions: existing}
		}
		return nil
	case r.Kind == record.KindRegister:
		if s.verifier == nil {
			return fmt.Errorf("%w: no register merger configured", record.ErrConflictingWrite)
		}
		merged, err := s.verifier.Merge(existing[0], stored)
		if err != nil {
			return fmt.Errorf("%w: %v", record.ErrInvalidRecord, err)
		}
		if merged.SameContent(existing[0]) {
			return nil
		}
		next = []*record.Record{merged}
	case r.Kind.Unique():
		next = append(existing, stored)
		conflict = &record.ConflictError{Address: r.Address, Versions: next}
		s.logger.Warn("Conflicting write retained",
			zap.String("address", r.Address.String()),
			zap.Stringer("kind", r.Kind),
			zap.Int("versions", len(next)))
	default:
		// A chunk with a different payload cannot pass address verification.
		return fmt.Errorf("%w: %s", record.ErrConflictingWrite, r.Address.Short())
	}

	if err := s.write(r.Address, next); err != nil {
		return err
	}
	s.enforceCapacity(r.Address)
	return conflict
}

func containsContent(versions []*record.Record, r *record.Record) bool {
	for _, v := range versions {
		if v.SameContent(r) {
			return true
		}
	}
	return false
}

func (s *Store) write(addr xor.Identifier, versions []*record.Record) error {
	val := record.MarshalSet(versions)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(addr), val)
	}); err != nil {
		return fmt.Errorf("failed to write record %s: %w", addr.Short(), err)
	}
	s.mu.Lock()
	if old, ok := s.index[addr]; ok {
		s.used -= uint64(old.size)
	}
	s.index[addr] = entry{kind: versions[0].Kind, size: len(val), versions: len(versions)}
	s.used += uint64(len(val))
	s.mu.Unlock()
	return nil
}

func (s *Store) load(addr xor.Identifier) ([]*record.Record, error) {
	var versions []*record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(addr))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			versions, err = record.UnmarshalSet(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, addr.Short())
	}
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, addr.Short())
	}
	return versions, nil
}

// filter splits versions into those that still pass their integrity check
// and the last failure seen.
func (s *Store) filter(addr xor.Identifier, versions []*record.Record) ([]*record.Record, error) {
	valid := make([]*record.Record, 0, len(versions))
	var corrupt error
	for _, v := range versions {
		if v.Address != addr {
			corrupt = fmt.Errorf("%w: stored under %s", record.ErrAddressMismatch, addr.Short())
			continue
		}
		if err := s.check(v); err != nil {
			corrupt = err
			continue
		}
		valid = append(valid, v)
	}
	return valid, corrupt
}

// Inspect returns the versions at addr that pass their integrity check
// without repairing the store.
func (s *Store) Inspect(addr xor.Identifier) ([]*record.Record, error) {
	versions, err := s.load(addr)
	if err != nil {
		return nil, err
	}
	valid, corrupt := s.filter(addr, versions)
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: %w", record.ErrNotFound, corrupt)
	}
	return valid, nil
}

// Versions returns every version held at addr, re-verifying each one. A
// version that no longer passes its integrity check is dropped from the store
// and never returned.
func (s *Store) Versions(addr xor.Identifier) ([]*record.Record, error) {
	versions, err := s.load(addr)
	if err != nil {
		return nil, err
	}
	valid, corrupt := s.filter(addr, versions)
	if corrupt == nil {
		return valid, nil
	}
	return s.repair(addr)
}

// repair rewrites addr without its corrupt versions. The set is reloaded
// under writeMu so versions added since the caller's read survive.
func (s *Store) repair(addr xor.Identifier) ([]*record.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	versions, err := s.load(addr)
	if err != nil {
		return nil, err
	}
	valid, corrupt := s.filter(addr, versions)
	if corrupt == nil {
		return valid, nil
	}
	s.logger.Error("Dropping corrupt record",
		zap.String("address", addr.String()),
		zap.Int("kept", len(valid)),
		zap.Error(corrupt))
	if len(valid) == 0 {
		if err := s.remove(addr); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", record.ErrNotFound, corrupt)
	}
	if err := s.write(addr, valid); err != nil {
		return nil, err
	}
	return valid, nil
}

// Get returns the record at addr. If addr holds a conflict set the versions
// come back in a *record.ConflictError instead.
func (s *Store) Get(addr xor.Identifier) (*record.Record, error) {
	versions, err := s.Versions(addr)
	if err != nil {
		return nil, err
	}
	if len(versions) > 1 {
		return nil, &record.ConflictError{Address: addr, Versions: versions}
	}
	return versions[0], nil
}

// Conflicts returns the conflict set at addr, or nil if at most one version
// is held.
func (s *Store) Conflicts(addr xor.Identifier) []*record.Record {
	versions, err := s.Versions(addr)
	if err != nil || len(versions) < 2 {
		return nil
	}
	return versions
}

// Has reports whether addr is held locally.
func (s *Store) Has(addr xor.Identifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[addr]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) UsedBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Fullness is the fraction of the configured capacity in use, in [0, 1].
// An unbounded store reports zero.
func (s *Store) Fullness() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var f float64
	if s.maxBytes > 0 {
		f = float64(s.used) / float64(s.maxBytes)
	}
	if s.maxRecords > 0 {
		if r := float64(len(s.index)) / float64(s.maxRecords); r > f {
			f = r
		}
	}
	if f > 1 {
		f = 1
	}
	return f
}

// ListAddressesInRange calls fn for every held address within bound of self,
// walking keys lazily. Returning false from fn stops the walk.
func (s *Store) ListAddressesInRange(bound xor.Distance, fn func(xor.Identifier) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			addr, err := xor.FromBytes(it.Item().Key()[len(keyPrefix):])
			if err != nil {
				continue
			}
			if bound.Less(xor.Between(s.self, addr)) {
				continue
			}
			if !fn(addr) {
				return nil
			}
		}
		return nil
	})
}

// Addresses returns every held address, sorted by distance to self.
func (s *Store) Addresses() []xor.Identifier {
	s.mu.RLock()
	out := make([]xor.Identifier, 0, len(s.index))
	for addr := range s.index {
		out = append(out, addr)
	}
	s.mu.RUnlock()
	xor.SortByDistance(s.self, out)
	return out
}

func (s *Store) remove(addr xor.Identifier) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(addr))
	}); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", addr.Short(), err)
	}
	s.mu.Lock()
	if old, ok := s.index[addr]; ok {
		s.used -= uint64(old.size)
		delete(s.index, addr)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) overCapacity() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (s.maxBytes > 0 && s.used > s.maxBytes) ||
		(s.maxRecords > 0 && len(s.index) > s.maxRecords)
}

// enforceCapacity evicts the addresses farthest from self until the store
// fits again, stopping at the responsibility bound. Caller holds writeMu.
func (s *Store) enforceCapacity(keep xor.Identifier) {
	if !s.overCapacity() {
		return
	}
	s.mu.RLock()
	boundFn := s.bound
	s.mu.RUnlock()
	bound := xor.MaxDistance()
	if boundFn != nil {
		bound = boundFn()
	}

	candidates := s.Addresses()
	sort.SliceStable(candidates, func(i, j int) bool {
		return xor.Between(s.self, candidates[j]).Less(xor.Between(s.self, candidates[i]))
	})
	evicted := 0
	for _, addr := range candidates {
		if !s.overCapacity() {
			break
		}
		if addr == keep {
			continue
		}
		if !bound.Less(xor.Between(s.self, addr)) {
			// Everything left is within our responsibility.
			break
		}
		if err := s.remove(addr); err != nil {
			s.logger.Warn("Eviction failed", zap.String("address", addr.String()), zap.Error(err))
			return
		}
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("Evicted records over capacity",
			zap.Int("evicted", evicted),
			zap.String("used", datasize.ByteSize(s.UsedBytes()).HumanReadable()))
	}
}
