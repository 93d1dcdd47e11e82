package core

// Column-family-aware storage facade. Every durable subsystem addresses its
// state through a StateDB, which owns exactly one backing engine chosen by
// the process-wide engine configuration. Mutating block-level operations
// record reversible deltas so a failed operation can restore the exact prior
// state.

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Reserved logical column families. Subsystems must use these constants
// rather than ad-hoc strings so engine overrides stay addressable.
const (
	CFDefault          = "default"
	CFBridge           = "bridge"
	CFComputeSettle    = "compute_settlement"
	CFDexStorage       = "dex_storage"
	CFGatewayDNS       = "gateway_dns"
	CFGossipRelay      = "gossip_relay"
	CFIdentityDID      = "identity_did"
	CFIdentityHandles  = "identity_handle_registry"
	CFLightClientProof = "light_client_proofs"
	CFLocalnetReceipts = "localnet_receipts"
	CFNetPeerChunks    = "net_peer_chunks"
	CFNetBans          = "net_bans"
	CFRPCBridge        = "rpc_bridge"
	CFStorageFS        = "storage_fs"
	CFStoragePipeline  = "storage_pipeline"
	CFStorageRepair    = "storage_repair"
)

var (
	storageLogMu sync.RWMutex
	storageLog   = zap.NewNop()
)

// SetStorageLogger replaces the facade's zap logger.
func SetStorageLogger(l *zap.Logger) {
	storageLogMu.Lock()
	defer storageLogMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	storageLog = l
}

func storageLogger() *zap.Logger {
	storageLogMu.RLock()
	defer storageLogMu.RUnlock()
	return storageLog
}

// DBDelta records one mutated key for rollback. Key carries the column
// family as a "cf|key" pair; Existed distinguishes overwrite from insert.
type DBDelta struct {
	Key     string
	Prev    []byte
	Existed bool
}

// StateDB is the facade over one backing engine.
type StateDB struct {
	mu     sync.Mutex
	name   string
	kind   EngineKind
	engine KeyValue
}

// OpenStateDB opens (or creates) the database for a logical name at path.
// The backing engine follows the installed engine configuration; if the
// resolved engine fails to open, the facade falls back to the build default.
// A failure of the default engine is fatal — the storage layer must not
// silently lose data.
func OpenStateDB(name, path string) *StateDB {
	kind := resolveEngine(name)
	engine, err := openEngine(kind, path)
	if err != nil && kind != DefaultEngineKind() {
		storageLogger().Warn("storage engine unavailable; falling back to build default",
			zap.String("cf", name), zap.String("requested", kind.Label()), zap.Error(err))
		kind = DefaultEngineKind()
		engine, err = openEngine(kind, path)
	}
	if err != nil {
		panic(fmt.Sprintf("storage: open %s (%s): %v", name, kind.Label(), err))
	}
	db := &StateDB{name: name, kind: kind, engine: engine}
	StorageEngineInfo.WithLabelValues(name, kind.Label()).Set(1)
	return db
}

// OpenTemporaryStateDB opens a throwaway memory-backed database, used by
// tests and the deterministic stub runtime.
func OpenTemporaryStateDB(name string) *StateDB {
	db := &StateDB{name: name, kind: EngineMemory, engine: newMemoryEngine()}
	StorageEngineInfo.WithLabelValues(name, EngineMemory.Label()).Set(1)
	return db
}

// BackendName reports the active backend label.
func (db *StateDB) BackendName() string { return db.engine.BackendName() }

// Name returns the logical column-family name the database was opened for.
func (db *StateDB) Name() string { return db.name }

func (db *StateDB) recordMetrics() {
	m, err := db.engine.Metrics()
	if err != nil {
		return
	}
	backend := db.kind.Label()
	StorageEnginePendingCompactions.WithLabelValues(db.name, backend).Set(float64(m.PendingCompactions))
	StorageEngineRunningCompactions.WithLabelValues(db.name, backend).Set(float64(m.RunningCompactions))
	StorageEngineLevel0Files.WithLabelValues(db.name, backend).Set(float64(m.Level0Files))
	StorageEngineSSTBytes.WithLabelValues(db.name, backend).Set(float64(m.SSTBytes))
	StorageEngineMemtableBytes.WithLabelValues(db.name, backend).Set(float64(m.MemtableBytes))
	StorageEngineSizeBytes.WithLabelValues(db.name, backend).Set(float64(m.SizeOnDisk))
}

func (db *StateDB) noteWriteErr(err error) error {
	if err == nil {
		db.recordMetrics()
		return nil
	}
	if isDiskFull(err) {
		StorageDiskFullTotal.Inc()
	}
	return err
}

func isDiskFull(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrDiskFull.Error())
}

// Get reads a key from the default column family.
func (db *StateDB) Get(key string) ([]byte, bool) {
	return db.GetCF(CFDefault, key)
}

// GetCF reads a key from a named column family.
func (db *StateDB) GetCF(cf, key string) ([]byte, bool) {
	v, ok, err := db.engine.Get(cf, []byte(key))
	if err != nil {
		storageLogger().Warn("storage get failed", zap.String("cf", cf), zap.Error(err))
		return nil, false
	}
	return v, ok
}

// Put writes a key into the default column family.
func (db *StateDB) Put(key string, value []byte) error {
	return db.PutCF(CFDefault, key, value)
}

// PutCF writes a key into a named column family.
func (db *StateDB) PutCF(cf, key string, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.engine.EnsureCF(cf); err != nil {
		return db.noteWriteErr(err)
	}
	_, err := db.engine.Put(cf, []byte(key), value)
	return db.noteWriteErr(err)
}

// InsertWithDelta writes into the default column family and appends the
// prior value to deltas for rollback.
func (db *StateDB) InsertWithDelta(key string, value []byte, deltas *[]DBDelta) error {
	return db.InsertCFWithDelta(CFDefault, key, value, deltas)
}

// InsertCFWithDelta is InsertWithDelta for a named column family.
func (db *StateDB) InsertCFWithDelta(cf, key string, value []byte, deltas *[]DBDelta) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.engine.EnsureCF(cf); err != nil {
		return db.noteWriteErr(err)
	}
	prevVal, existed, err := db.engine.Get(cf, []byte(key))
	if err != nil {
		return db.noteWriteErr(err)
	}
	if _, err := db.engine.Put(cf, []byte(key), value); err != nil {
		return db.noteWriteErr(err)
	}
	*deltas = append(*deltas, DBDelta{Key: cf + "|" + key, Prev: prevVal, Existed: existed})
	return db.noteWriteErr(nil)
}

// InsertShardWithDelta addresses the per-shard column family "shard:<id>".
func (db *StateDB) InsertShardWithDelta(shard uint16, key string, value []byte, deltas *[]DBDelta) error {
	return db.InsertCFWithDelta(shardCF(shard), key, value, deltas)
}

// RemoveWithDelta deletes from the default column family, recording the
// prior value for rollback.
func (db *StateDB) RemoveWithDelta(key string, deltas *[]DBDelta) error {
	return db.RemoveCFWithDelta(CFDefault, key, deltas)
}

// RemoveCFWithDelta is RemoveWithDelta for a named column family.
func (db *StateDB) RemoveCFWithDelta(cf, key string, deltas *[]DBDelta) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	prevVal, existed, err := db.engine.Get(cf, []byte(key))
	if err != nil {
		return db.noteWriteErr(err)
	}
	if _, err := db.engine.Delete(cf, []byte(key)); err != nil {
		return db.noteWriteErr(err)
	}
	*deltas = append(*deltas, DBDelta{Key: cf + "|" + key, Prev: prevVal, Existed: existed})
	return db.noteWriteErr(nil)
}

// Remove deletes a key outside any delta journal.
func (db *StateDB) Remove(key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.engine.Delete(CFDefault, []byte(key))
	return db.noteWriteErr(err)
}

// Rollback undoes a delta journal in reverse insertion order, restoring the
// value each key held before the journal's first write.
func (db *StateDB) Rollback(deltas []DBDelta) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		cf, key := CFDefault, d.Key
		if idx := strings.IndexByte(d.Key, '|'); idx >= 0 {
			cf, key = d.Key[:idx], d.Key[idx+1:]
		}
		if d.Existed {
			_ = db.engine.EnsureCF(cf)
			if _, err := db.engine.Put(cf, []byte(key), d.Prev); err != nil {
				storageLogger().Warn("rollback restore failed", zap.String("key", d.Key), zap.Error(err))
			}
		} else {
			if _, err := db.engine.Delete(cf, []byte(key)); err != nil {
				storageLogger().Warn("rollback delete failed", zap.String("key", d.Key), zap.Error(err))
			}
		}
	}
	db.recordMetrics()
}

// StateBatch groups mutations for atomic application.
type StateBatch struct {
	inner *EngineBatch
}

// Batch returns an empty batch bound to the database.
func (db *StateDB) Batch() *StateBatch {
	return &StateBatch{inner: NewEngineBatch()}
}

// Put enqueues a default-CF write.
func (b *StateBatch) Put(key string, value []byte) { b.PutCF(CFDefault, key, value) }

// PutCF enqueues a write into a named column family.
func (b *StateBatch) PutCF(cf, key string, value []byte) {
	b.inner.Put(cf, []byte(key), value)
}

// Delete enqueues a default-CF deletion.
func (b *StateBatch) Delete(key string) { b.DeleteCF(CFDefault, key) }

// DeleteCF enqueues a deletion from a named column family.
func (b *StateBatch) DeleteCF(cf, key string) {
	b.inner.Delete(cf, []byte(key))
}

// Len reports the number of queued mutations.
func (b *StateBatch) Len() int { return b.inner.Len() }

// WriteBatch applies every mutation in the batch or none of them.
func (db *StateDB) WriteBatch(b *StateBatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, cf := range b.inner.ColumnFamilies() {
		if err := db.engine.EnsureCF(cf); err != nil {
			return db.noteWriteErr(err)
		}
	}
	return db.noteWriteErr(db.engine.WriteBatch(b.inner))
}

// KeysWithPrefix lists default-CF keys beginning with prefix, sorted.
func (db *StateDB) KeysWithPrefix(prefix string) []string {
	return db.KeysWithPrefixCF(CFDefault, prefix)
}

// KeysWithPrefixCF lists keys of a named column family beginning with
// prefix, sorted.
func (db *StateDB) KeysWithPrefixCF(cf, prefix string) []string {
	var keys []string
	_ = db.engine.PrefixIterate(cf, []byte(prefix), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	return keys
}

// PrefixIterate streams key/value pairs of a column family in key order.
// Returning false from fn stops the scan.
func (db *StateDB) PrefixIterate(cf, prefix string, fn func(key string, value []byte) bool) {
	_ = db.engine.PrefixIterate(cf, []byte(prefix), func(key, value []byte) bool {
		return fn(string(key), value)
	})
}

func shardCF(shard uint16) string { return fmt.Sprintf("shard:%d", shard) }

// ShardIDs enumerates the shard column families present in the database.
func (db *StateDB) ShardIDs() []uint16 {
	cfs, err := db.engine.ListCFs()
	if err != nil {
		return nil
	}
	var out []uint16
	for _, cf := range cfs {
		rest, ok := strings.CutPrefix(cf, "shard:")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(rest, 10, 16)
		if err != nil {
			continue
		}
		out = append(out, uint16(id))
	}
	return out
}

// GetShard reads a key from the per-shard column family.
func (db *StateDB) GetShard(shard uint16, key string) ([]byte, bool) {
	return db.GetCF(shardCF(shard), key)
}

// Flush forces buffered writes to stable storage.
func (db *StateDB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.noteWriteErr(db.engine.Flush())
}

// Compact requests a manual compaction.
func (db *StateDB) Compact() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	StorageCompactionTotal.Inc()
	return db.noteWriteErr(db.engine.Compact())
}

// Close releases the backing engine.
func (db *StateDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.engine.Close()
}

var (
	currentStoreMu sync.RWMutex
	currentStore   *StateDB
)

// SetStore installs the process-wide default database used by subsystems
// that do not carry an explicit handle.
func SetStore(db *StateDB) {
	currentStoreMu.Lock()
	defer currentStoreMu.Unlock()
	currentStore = db
}

// CurrentStore returns the installed default database, opening a temporary
// in-memory one if none has been set.
func CurrentStore() *StateDB {
	currentStoreMu.RLock()
	db := currentStore
	currentStoreMu.RUnlock()
	if db != nil {
		return db
	}
	currentStoreMu.Lock()
	defer currentStoreMu.Unlock()
	if currentStore == nil {
		currentStore = OpenTemporaryStateDB(CFDefault)
	}
	return currentStore
}
