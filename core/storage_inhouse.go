package core

// In-house log-structured engine. Writes land in a per-process memtable and
// an append-only WAL; Flush freezes the memtable into a sorted segment file
// and truncates the WAL; Compact merges all segments into one. The format is
// deliberately simple — one directory per database, segment files named
// segment-<n>.seg — and self-contained so the node has a durable default
// that needs no cgo.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

const (
	walFileName   = "wal.log"
	segmentPrefix = "segment-"
	segmentSuffix = ".seg"

	walOpPut    = byte(1)
	walOpDelete = byte(2)
)

type inhouseEngine struct {
	mu       sync.RWMutex
	dir      string
	mem      map[string]map[string]*[]byte // cf -> key -> value (nil slice ptr = tombstone)
	wal      *os.File
	segments []string
	nextSeg  int
	memBytes uint64
	pending  uint64
}

func openInhouseEngine(path string) (*inhouseEngine, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, wrapDiskErr(fmt.Errorf("inhouse open: %w", err))
	}
	e := &inhouseEngine{
		dir: path,
		mem: make(map[string]map[string]*[]byte),
	}
	if err := e.loadSegments(); err != nil {
		return nil, err
	}
	walPath := filepath.Join(path, walFileName)
	if err := e.replayWAL(walPath); err != nil {
		return nil, err
	}
	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wrapDiskErr(fmt.Errorf("inhouse wal: %w", err))
	}
	e.wal = wal
	return e, nil
}

// wrapDiskErr tags ENOSPC so the facade can count disk-full events.
func wrapDiskErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}

func (e *inhouseEngine) loadSegments() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return wrapDiskErr(err)
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.loadSegment(filepath.Join(e.dir, name)); err != nil {
			return err
		}
		e.segments = append(e.segments, name)
		var seq int
		if _, err := fmt.Sscanf(name, segmentPrefix+"%06d"+segmentSuffix, &seq); err == nil && seq >= e.nextSeg {
			e.nextSeg = seq + 1
		}
	}
	return nil
}

func (e *inhouseEngine) loadSegment(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wrapDiskErr(err)
	}
	return walkRecords(data, func(op byte, cf, key, value []byte) {
		fam := e.family(string(cf))
		if op == walOpDelete {
			delete(fam, string(key))
		} else {
			v := append([]byte(nil), value...)
			fam[string(key)] = &v
		}
	})
}

func (e *inhouseEngine) replayWAL(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapDiskErr(err)
	}
	return walkRecords(data, func(op byte, cf, key, value []byte) {
		fam := e.family(string(cf))
		switch op {
		case walOpPut:
			v := append([]byte(nil), value...)
			fam[string(key)] = &v
			e.memBytes += uint64(len(key) + len(value))
		case walOpDelete:
			fam[string(key)] = nil
		}
	})
}

// walkRecords decodes the shared WAL/segment record framing:
// op(1) | cf_len(u32 LE) | cf | key_len(u32 LE) | key | val_len(u32 LE) | val.
// A torn tail record (crash mid-append) is ignored.
func walkRecords(data []byte, fn func(op byte, cf, key, value []byte)) error {
	off := 0
	for off < len(data) {
		if len(data)-off < 1+4 {
			return nil
		}
		op := data[off]
		off++
		fields := make([][]byte, 0, 3)
		ok := true
		for i := 0; i < 3; i++ {
			if len(data)-off < 4 {
				ok = false
				break
			}
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if len(data)-off < n {
				ok = false
				break
			}
			fields = append(fields, data[off:off+n])
			off += n
		}
		if !ok {
			return nil
		}
		fn(op, fields[0], fields[1], fields[2])
	}
	return nil
}

func appendRecord(buf []byte, op byte, cf, key, value []byte) []byte {
	buf = append(buf, op)
	for _, field := range [][]byte{cf, key, value} {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(field)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, field...)
	}
	return buf
}

func (e *inhouseEngine) family(cf string) map[string]*[]byte {
	fam, ok := e.mem[cf]
	if !ok {
		fam = make(map[string]*[]byte)
		e.mem[cf] = fam
	}
	return fam
}

func (e *inhouseEngine) EnsureCF(cf string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.family(cf)
	return nil
}

func (e *inhouseEngine) Get(cf string, key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fam, ok := e.mem[cf]
	if !ok {
		return nil, false, nil
	}
	v, ok := fam[string(key)]
	if !ok || v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), (*v)...), true, nil
}

func (e *inhouseEngine) logRecord(op byte, cf string, key, value []byte) error {
	rec := appendRecord(nil, op, []byte(cf), key, value)
	if _, err := e.wal.Write(rec); err != nil {
		return wrapDiskErr(fmt.Errorf("inhouse wal append: %w", err))
	}
	return nil
}

func (e *inhouseEngine) Put(cf string, key, value []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.logRecord(walOpPut, cf, key, value); err != nil {
		return nil, err
	}
	fam := e.family(cf)
	var prev []byte
	if p, ok := fam[string(key)]; ok && p != nil {
		prev = *p
	}
	v := append([]byte(nil), value...)
	fam[string(key)] = &v
	e.memBytes += uint64(len(key) + len(value))
	return prev, nil
}

func (e *inhouseEngine) Delete(cf string, key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.logRecord(walOpDelete, cf, key, nil); err != nil {
		return nil, err
	}
	fam := e.family(cf)
	var prev []byte
	if p, ok := fam[string(key)]; ok && p != nil {
		prev = *p
	}
	if len(e.segments) == 0 {
		delete(fam, string(key))
	} else {
		fam[string(key)] = nil
	}
	return prev, nil
}

func (e *inhouseEngine) PrefixIterate(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	e.mu.RLock()
	fam := e.mem[cf]
	keys := make([]string, 0, len(fam))
	for k, v := range fam {
		if v != nil && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2][]byte{[]byte(k), append([]byte(nil), (*fam[k])...)})
	}
	e.mu.RUnlock()

	for _, kv := range pairs {
		if !fn(kv[0], kv[1]) {
			break
		}
	}
	return nil
}

func (e *inhouseEngine) WriteBatch(batch *EngineBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// One contiguous WAL append makes the batch all-or-nothing on replay:
	// walkRecords drops a torn tail, so either every record is durable or
	// the whole group is.
	var rec []byte
	for _, op := range batch.ops {
		code := walOpPut
		if op.delete {
			code = walOpDelete
		}
		rec = appendRecord(rec, code, []byte(op.cf), op.key, op.value)
	}
	if _, err := e.wal.Write(rec); err != nil {
		return wrapDiskErr(fmt.Errorf("inhouse wal batch: %w", err))
	}
	for _, op := range batch.ops {
		fam := e.family(op.cf)
		if op.delete {
			if len(e.segments) == 0 {
				delete(fam, string(op.key))
			} else {
				fam[string(op.key)] = nil
			}
			continue
		}
		v := append([]byte(nil), op.value...)
		fam[string(op.key)] = &v
		e.memBytes += uint64(len(op.key) + len(op.value))
	}
	return nil
}

func (e *inhouseEngine) ListCFs() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.mem))
	for cf := range e.mem {
		out = append(out, cf)
	}
	sort.Strings(out)
	return out, nil
}

// Flush freezes the memtable into a new segment and truncates the WAL.
func (e *inhouseEngine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *inhouseEngine) flushLocked() error {
	var buf []byte
	cfs := make([]string, 0, len(e.mem))
	for cf := range e.mem {
		cfs = append(cfs, cf)
	}
	sort.Strings(cfs)
	for _, cf := range cfs {
		fam := e.mem[cf]
		keys := make([]string, 0, len(fam))
		for k := range fam {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := fam[k]
			if v == nil {
				buf = appendRecord(buf, walOpDelete, []byte(cf), []byte(k), nil)
			} else {
				buf = appendRecord(buf, walOpPut, []byte(cf), []byte(k), *v)
			}
		}
	}
	name := fmt.Sprintf("%s%06d%s", segmentPrefix, e.nextSeg, segmentSuffix)
	e.nextSeg++
	if err := os.WriteFile(filepath.Join(e.dir, name), buf, 0o644); err != nil {
		return wrapDiskErr(fmt.Errorf("inhouse segment write: %w", err))
	}
	e.segments = append(e.segments, name)
	if err := e.wal.Truncate(0); err != nil {
		return wrapDiskErr(err)
	}
	if _, err := e.wal.Seek(0, io.SeekStart); err != nil {
		return wrapDiskErr(err)
	}
	e.pending++
	return nil
}

// Compact merges every segment into one and clears tombstones.
func (e *inhouseEngine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cf, fam := range e.mem {
		for k, v := range fam {
			if v == nil {
				delete(fam, k)
			}
		}
		if len(fam) == 0 {
			delete(e.mem, cf)
		}
	}
	old := e.segments
	e.segments = nil
	if err := e.flushLocked(); err != nil {
		e.segments = old
		return err
	}
	for _, name := range old {
		_ = os.Remove(filepath.Join(e.dir, name))
	}
	e.pending = 0
	return nil
}

func (e *inhouseEngine) Metrics() (StorageMetrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var sstBytes uint64
	for _, name := range e.segments {
		if info, err := os.Stat(filepath.Join(e.dir, name)); err == nil {
			sstBytes += uint64(info.Size())
		}
	}
	var walBytes uint64
	if info, err := os.Stat(filepath.Join(e.dir, walFileName)); err == nil {
		walBytes = uint64(info.Size())
	}
	return StorageMetrics{
		PendingCompactions: e.pending,
		Level0Files:        uint64(len(e.segments)),
		SSTBytes:           sstBytes,
		MemtableBytes:      e.memBytes,
		SizeOnDisk:         sstBytes + walBytes,
	}, nil
}

func (e *inhouseEngine) BackendName() string { return "inhouse" }

func (e *inhouseEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wal != nil {
		return e.wal.Close()
	}
	return nil
}
