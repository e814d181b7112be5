// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Tx is a store transaction. It is only valid inside the Update or View
// callback that created it.
type Tx struct {
	txn *badger.Txn
	s   *Store
	ctx context.Context
}

// Get decodes the record stored under key into v.
func (tx *Tx) Get(collection, key string, v any) error {
	if _, err := tx.s.collection(collection); err != nil {
		return err
	}
	item, err := tx.txn.Get(dataKey(collection, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		return nil
	})
}

// Exists reports whether key is present.
func (tx *Tx) Exists(collection, key string) (bool, error) {
	if _, err := tx.s.collection(collection); err != nil {
		return false, err
	}
	_, err := tx.txn.Get(dataKey(collection, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// Put stores v under key.
func (tx *Tx) Put(collection, key string, v any) error {
	if _, err := tx.s.collection(collection); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if err := tx.txn.Set(dataKey(collection, key), data); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Add assigns the next id of an auto-increment collection, builds the record
// with it and stores it.
func (tx *Tx) Add(collection string, build func(id uint64) any) (uint64, error) {
	c, err := tx.s.collection(collection)
	if err != nil {
		return 0, err
	}
	if !c.AutoIncrement {
		return 0, fmt.Errorf("collection %s is not auto-increment", collection)
	}
	id, err := tx.s.nextID(collection)
	if err != nil {
		return 0, err
	}
	if err := tx.Put(collection, FormatID(id), build(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// Delete removes key.
func (tx *Tx) Delete(collection, key string) error {
	if _, err := tx.s.collection(collection); err != nil {
		return err
	}
	if err := tx.txn.Delete(dataKey(collection, key)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan calls fn for each record of collection in key order. The data slice is
// only valid during the call.
func (tx *Tx) Scan(collection string, fn func(key string, data []byte) error) error {
	return tx.ScanPrefix(collection, "", fn)
}

// ScanPrefix is Scan restricted to keys starting with prefix.
func (tx *Tx) ScanPrefix(collection, prefix string, fn func(key string, data []byte) error) error {
	if _, err := tx.s.collection(collection); err != nil {
		return err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	base := collectionPrefix(collection)
	opts.Prefix = append(base, prefix...)
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := tx.ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		key := strings.TrimPrefix(string(item.Key()), string(base))
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every key of collection in order.
func (tx *Tx) Keys(collection string) ([]string, error) {
	return tx.KeysPrefix(collection, "")
}

// KeysPrefix returns the keys of collection starting with prefix without
// reading their values.
func (tx *Tx) KeysPrefix(collection, prefix string) ([]string, error) {
	if _, err := tx.s.collection(collection); err != nil {
		return nil, err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	base := collectionPrefix(collection)
	opts.Prefix = append(base, prefix...)
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), string(base)))
	}
	return keys, nil
}

// Decode unmarshals a record handed to a Scan callback.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
