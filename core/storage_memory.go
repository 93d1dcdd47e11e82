package core

import (
	"bytes"
	"sort"
	"sync"
)

// memoryEngine keeps every column family in an ordinary map. It backs tests
// and the lightweight integration profile; durability is explicitly not a
// goal.
type memoryEngine struct {
	mu  sync.RWMutex
	cfs map[string]map[string][]byte
}

func newMemoryEngine() *memoryEngine {
	return &memoryEngine{cfs: make(map[string]map[string][]byte)}
}

func (m *memoryEngine) EnsureCF(cf string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cfs[cf]; !ok {
		m.cfs[cf] = make(map[string][]byte)
	}
	return nil
}

func (m *memoryEngine) Get(cf string, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fam, ok := m.cfs[cf]
	if !ok {
		return nil, false, nil
	}
	v, ok := fam[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryEngine) Put(cf string, key, value []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fam, ok := m.cfs[cf]
	if !ok {
		fam = make(map[string][]byte)
		m.cfs[cf] = fam
	}
	prev, had := fam[string(key)]
	fam[string(key)] = append([]byte(nil), value...)
	if !had {
		return nil, nil
	}
	return prev, nil
}

func (m *memoryEngine) Delete(cf string, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fam, ok := m.cfs[cf]
	if !ok {
		return nil, nil
	}
	prev, had := fam[string(key)]
	if !had {
		return nil, nil
	}
	delete(fam, string(key))
	return prev, nil
}

func (m *memoryEngine) PrefixIterate(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	fam := m.cfs[cf]
	keys := make([]string, 0, len(fam))
	for k := range fam {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2][]byte{[]byte(k), append([]byte(nil), fam[k]...)})
	}
	m.mu.RUnlock()

	for _, kv := range pairs {
		if !fn(kv[0], kv[1]) {
			break
		}
	}
	return nil
}

func (m *memoryEngine) WriteBatch(batch *EngineBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch.ops {
		fam, ok := m.cfs[op.cf]
		if !ok {
			fam = make(map[string][]byte)
			m.cfs[op.cf] = fam
		}
		if op.delete {
			delete(fam, string(op.key))
		} else {
			fam[string(op.key)] = append([]byte(nil), op.value...)
		}
	}
	return nil
}

func (m *memoryEngine) ListCFs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.cfs))
	for cf := range m.cfs {
		out = append(out, cf)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryEngine) Flush() error   { return nil }
func (m *memoryEngine) Compact() error { return nil }

func (m *memoryEngine) Metrics() (StorageMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bytesHeld uint64
	for _, fam := range m.cfs {
		for k, v := range fam {
			bytesHeld += uint64(len(k) + len(v))
		}
	}
	return StorageMetrics{MemtableBytes: bytesHeld}, nil
}

func (m *memoryEngine) BackendName() string { return "memory" }
func (m *memoryEngine) Close() error        { return nil }
