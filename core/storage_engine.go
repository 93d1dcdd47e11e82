package core

// Storage engine selection. The node addresses every durable key space
// through a logical column family; each family resolves to one of three
// backing engines: a pure in-memory map, the in-house log-structured engine,
// or RocksDB when the build carries it. Selection is a process-global
// configuration installed once at start-up.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// EngineKind identifies a storage backend.
type EngineKind uint8

const (
	EngineMemory EngineKind = iota
	EngineInhouse
	EngineRocksDB
)

// ParseEngineKind maps a configuration label to an EngineKind.
func ParseEngineKind(label string) (EngineKind, error) {
	switch label {
	case "memory":
		return EngineMemory, nil
	case "inhouse":
		return EngineInhouse, nil
	case "rocksdb":
		return EngineRocksDB, nil
	}
	return EngineMemory, fmt.Errorf("unknown storage engine %q", label)
}

// Label returns the configuration name of the engine.
func (k EngineKind) Label() string {
	switch k {
	case EngineMemory:
		return "memory"
	case EngineInhouse:
		return "inhouse"
	case EngineRocksDB:
		return "rocksdb"
	}
	return "unknown"
}

// DefaultEngineKind is the engine used when no override applies.
func DefaultEngineKind() EngineKind { return EngineInhouse }

// Available reports whether the backend can be opened by this build.
func (k EngineKind) Available() bool {
	switch k {
	case EngineMemory, EngineInhouse:
		return true
	case EngineRocksDB:
		return rocksDBAvailable
	}
	return false
}

// EngineConfig selects a default engine plus per-column-family overrides.
type EngineConfig struct {
	DefaultEngine EngineKind
	Overrides     map[string]EngineKind
}

// Resolve returns the engine a column family should run on. Unavailable
// requests silently fall back to the configured default, then to the build
// default; the storage layer must never refuse to open.
func (c EngineConfig) Resolve(name string) EngineKind {
	requested := c.DefaultEngine
	if k, ok := c.Overrides[name]; ok {
		requested = k
	}
	if requested.Available() {
		return requested
	}
	if c.DefaultEngine.Available() {
		return c.DefaultEngine
	}
	return DefaultEngineKind()
}

var (
	engineConfigMu sync.RWMutex
	engineConfig   = EngineConfig{DefaultEngine: DefaultEngineKind()}
	engineConfigSet bool

	legacyMode     atomic.Bool
	legacyWarnOnce sync.Once
)

// ConfigureEngines installs the process-wide engine configuration. The first
// call is expected at start-up; reinstalls are permitted but logged, since
// already-open column families keep their original backend.
func ConfigureEngines(cfg EngineConfig) {
	engineConfigMu.Lock()
	defer engineConfigMu.Unlock()
	if engineConfigSet {
		storageLogger().Warn("storage engine configuration reinstalled; open column families keep their backend")
	}
	engineConfig = cfg
	engineConfigSet = true
}

// SetLegacyMode forces every column family onto the build-default engine,
// ignoring overrides. The toggle exists for operators migrating from the
// pre-column-family layout and will be removed in the next release.
func SetLegacyMode(enabled bool) {
	legacyMode.Store(enabled)
	if enabled {
		legacyWarnOnce.Do(func() {
			storageLogger().Warn("storage legacy mode enabled; this toggle will be removed in the next release")
		})
	}
}

// LegacyMode reports whether the compatibility toggle is on.
func LegacyMode() bool { return legacyMode.Load() }

func resolveEngine(name string) EngineKind {
	if LegacyMode() {
		return DefaultEngineKind()
	}
	engineConfigMu.RLock()
	defer engineConfigMu.RUnlock()
	return engineConfig.Resolve(name)
}

// ErrDiskFull marks writes rejected by an exhausted volume. Engines wrap the
// underlying error so callers can match with errors.Is.
var ErrDiskFull = errors.New("storage: disk full")

// KeyValue is the contract every backend engine satisfies. Keys and values
// are copied on write; iteration order for prefix scans is lexicographic.
type KeyValue interface {
	EnsureCF(cf string) error
	Get(cf string, key []byte) ([]byte, bool, error)
	// Put stores value and returns the previous value, if any.
	Put(cf string, key, value []byte) ([]byte, error)
	// Delete removes key and returns the previous value, if any.
	Delete(cf string, key []byte) ([]byte, error)
	PrefixIterate(cf string, prefix []byte, fn func(key, value []byte) bool) error
	// WriteBatch applies all mutations atomically.
	WriteBatch(batch *EngineBatch) error
	ListCFs() ([]string, error)
	Flush() error
	Compact() error
	Metrics() (StorageMetrics, error)
	BackendName() string
	Close() error
}

// StorageMetrics is the per-engine health snapshot recorded after writes.
type StorageMetrics struct {
	PendingCompactions uint64
	RunningCompactions uint64
	Level0Files        uint64
	SSTBytes           uint64
	MemtableBytes      uint64
	SizeOnDisk         uint64
}

type batchOp struct {
	cf     string
	key    []byte
	value  []byte
	delete bool
}

// EngineBatch accumulates mutations for atomic application.
type EngineBatch struct {
	ops []batchOp
	cfs map[string]struct{}
}

// NewEngineBatch returns an empty batch.
func NewEngineBatch() *EngineBatch {
	return &EngineBatch{cfs: make(map[string]struct{})}
}

// Put enqueues a write.
func (b *EngineBatch) Put(cf string, key, value []byte) {
	b.cfs[cf] = struct{}{}
	b.ops = append(b.ops, batchOp{cf: cf, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Delete enqueues a deletion.
func (b *EngineBatch) Delete(cf string, key []byte) {
	b.cfs[cf] = struct{}{}
	b.ops = append(b.ops, batchOp{cf: cf, key: append([]byte(nil), key...), delete: true})
}

// Len reports the number of queued mutations.
func (b *EngineBatch) Len() int { return len(b.ops) }

// ColumnFamilies lists every family the batch touches.
func (b *EngineBatch) ColumnFamilies() []string {
	out := make([]string, 0, len(b.cfs))
	for cf := range b.cfs {
		out = append(out, cf)
	}
	return out
}

func openEngine(kind EngineKind, path string) (KeyValue, error) {
	switch kind {
	case EngineMemory:
		return newMemoryEngine(), nil
	case EngineInhouse:
		return openInhouseEngine(path)
	case EngineRocksDB:
		return openRocksDBEngine(path)
	}
	return nil, fmt.Errorf("unknown engine kind %d", kind)
}
