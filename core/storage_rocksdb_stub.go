//go:build !rocksdb

package core

import "errors"

// Builds without the rocksdb tag carry no cgo dependency; requests for the
// RocksDB backend resolve to the default engine instead.

const rocksDBAvailable = false

func openRocksDBEngine(string) (KeyValue, error) {
	return nil, errors.New("rocksdb backend not compiled in")
}
