//go:build rocksdb

package core

// RocksDB backend, compiled in with the "rocksdb" build tag. Column families
// are created lazily under the engine's own mutex, so concurrent EnsureCF
// calls are safe.

import (
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
)

const rocksDBAvailable = true

type rocksDBEngine struct {
	mu   sync.Mutex
	db   *grocksdb.DB
	cfs  map[string]*grocksdb.ColumnFamilyHandle
	opts *grocksdb.Options
	ro   *grocksdb.ReadOptions
	wo   *grocksdb.WriteOptions
}

func openRocksDBEngine(path string) (KeyValue, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	existing, err := grocksdb.ListColumnFamilies(opts, path)
	if err != nil || len(existing) == 0 {
		existing = []string{"default"}
	}
	cfOpts := make([]*grocksdb.Options, len(existing))
	for i := range existing {
		cfOpts[i] = opts
	}
	db, handles, err := grocksdb.OpenDbColumnFamilies(opts, path, existing, cfOpts)
	if err != nil {
		opts.Destroy()
		return nil, wrapDiskErr(fmt.Errorf("rocksdb open: %w", err))
	}
	cfs := make(map[string]*grocksdb.ColumnFamilyHandle, len(existing))
	for i, name := range existing {
		cfs[name] = handles[i]
	}
	return &rocksDBEngine{
		db:   db,
		cfs:  cfs,
		opts: opts,
		ro:   grocksdb.NewDefaultReadOptions(),
		wo:   grocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (r *rocksDBEngine) handle(cf string) (*grocksdb.ColumnFamilyHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cfs[cf]; ok {
		return h, nil
	}
	h, err := r.db.CreateColumnFamily(r.opts, cf)
	if err != nil {
		return nil, wrapDiskErr(fmt.Errorf("rocksdb create cf %s: %w", cf, err))
	}
	r.cfs[cf] = h
	return h, nil
}

func (r *rocksDBEngine) EnsureCF(cf string) error {
	_, err := r.handle(cf)
	return err
}

func (r *rocksDBEngine) Get(cf string, key []byte) ([]byte, bool, error) {
	h, err := r.handle(cf)
	if err != nil {
		return nil, false, err
	}
	slice, err := r.db.GetCF(r.ro, h, key)
	if err != nil {
		return nil, false, wrapDiskErr(err)
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, false, nil
	}
	return append([]byte(nil), slice.Data()...), true, nil
}

func (r *rocksDBEngine) Put(cf string, key, value []byte) ([]byte, error) {
	prev, had, err := r.Get(cf, key)
	if err != nil {
		return nil, err
	}
	h, err := r.handle(cf)
	if err != nil {
		return nil, err
	}
	if err := r.db.PutCF(r.wo, h, key, value); err != nil {
		return nil, wrapDiskErr(err)
	}
	if !had {
		return nil, nil
	}
	return prev, nil
}

func (r *rocksDBEngine) Delete(cf string, key []byte) ([]byte, error) {
	prev, had, err := r.Get(cf, key)
	if err != nil {
		return nil, err
	}
	h, err := r.handle(cf)
	if err != nil {
		return nil, err
	}
	if err := r.db.DeleteCF(r.wo, h, key); err != nil {
		return nil, wrapDiskErr(err)
	}
	if !had {
		return nil, nil
	}
	return prev, nil
}

func (r *rocksDBEngine) PrefixIterate(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	h, err := r.handle(cf)
	if err != nil {
		return err
	}
	it := r.db.NewIteratorCF(r.ro, h)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := append([]byte(nil), it.Key().Data()...)
		v := append([]byte(nil), it.Value().Data()...)
		it.Key().Free()
		it.Value().Free()
		if !fn(k, v) {
			break
		}
	}
	return wrapDiskErr(it.Err())
}

func (r *rocksDBEngine) WriteBatch(batch *EngineBatch) error {
	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()
	for _, op := range batch.ops {
		h, err := r.handle(op.cf)
		if err != nil {
			return err
		}
		if op.delete {
			wb.DeleteCF(h, op.key)
		} else {
			wb.PutCF(h, op.key, op.value)
		}
	}
	return wrapDiskErr(r.db.Write(r.wo, wb))
}

func (r *rocksDBEngine) ListCFs() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.cfs))
	for cf := range r.cfs {
		out = append(out, cf)
	}
	return out, nil
}

func (r *rocksDBEngine) Flush() error {
	fo := grocksdb.NewDefaultFlushOptions()
	defer fo.Destroy()
	return wrapDiskErr(r.db.Flush(fo))
}

func (r *rocksDBEngine) Compact() error {
	r.db.CompactRange(grocksdb.Range{})
	return nil
}

func propUint(db *grocksdb.DB, name string) uint64 {
	v := db.GetIntProperty(name)
	return v
}

func (r *rocksDBEngine) Metrics() (StorageMetrics, error) {
	return StorageMetrics{
		PendingCompactions: propUint(r.db, "rocksdb.compaction-pending"),
		RunningCompactions: propUint(r.db, "rocksdb.num-running-compactions"),
		Level0Files:        propUint(r.db, "rocksdb.num-files-at-level0"),
		SSTBytes:           propUint(r.db, "rocksdb.total-sst-files-size"),
		MemtableBytes:      propUint(r.db, "rocksdb.cur-size-all-mem-tables"),
		SizeOnDisk:         propUint(r.db, "rocksdb.live-sst-files-size"),
	}, nil
}

func (r *rocksDBEngine) BackendName() string { return "rocksdb" }

func (r *rocksDBEngine) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.cfs {
		h.Destroy()
	}
	r.db.Close()
	r.ro.Destroy()
	r.wo.Destroy()
	r.opts.Destroy()
	return nil
}
