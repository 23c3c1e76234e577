package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jgraettinger/gorocksdb"
)

// Rocks is a persistent Store. Each value carries an eight-byte expiry
// header (epoch milliseconds, zero for none) ahead of the payload, so TTL
// survives restarts without a background sweeper.
type Rocks struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

// OpenRocks opens or creates the database at path.
func OpenRocks(path string) (*Rocks, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	var db, err = gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("opening rocksdb at %s: %w", path, err)
	}
	return &Rocks{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (r *Rocks) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var slice, err = r.db.Get(r.ro, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("rocksdb get %s: %w", key, err)
	}
	defer slice.Free()

	if !slice.Exists() {
		return nil, false, nil
	}
	var data = slice.Data()
	if len(data) < 8 {
		return nil, false, fmt.Errorf("rocksdb entry %s is truncated (%d bytes)", key, len(data))
	}
	if expiresMs := binary.BigEndian.Uint64(data[:8]); expiresMs != 0 &&
		time.Now().UnixMilli() >= int64(expiresMs) {
		_ = r.db.Delete(r.wo, []byte(key))
		return nil, false, nil
	}
	return append([]byte(nil), data[8:]...), true, nil
}

func (r *Rocks) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf = make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().Add(ttl).UnixMilli()))
	}
	copy(buf[8:], value)

	if err := r.db.Put(r.wo, []byte(key), buf); err != nil {
		return fmt.Errorf("rocksdb put %s: %w", key, err)
	}
	return nil
}

func (r *Rocks) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.db.Delete(r.wo, []byte(key)); err != nil {
		return fmt.Errorf("rocksdb delete %s: %w", key, err)
	}
	return nil
}

func (r *Rocks) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var it = r.db.NewIterator(r.ro)
	defer it.Close()

	var keys []string
	var pb = []byte(prefix)
	for it.Seek(pb); it.ValidForPrefix(pb); it.Next() {
		var k = it.Key()
		keys = append(keys, string(k.Data()))
		k.Free()

		if limit > 0 && len(keys) == limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("rocksdb scan %q: %w", prefix, err)
	}
	return keys, nil
}

func (r *Rocks) DeleteBatch(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var wb = gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for _, key := range keys {
		wb.Delete([]byte(key))
	}
	if err := r.db.Write(r.wo, wb); err != nil {
		return fmt.Errorf("rocksdb batch delete: %w", err)
	}
	return nil
}

func (r *Rocks) Close() error {
	r.ro.Destroy()
	r.wo.Destroy()
	r.db.Close()
	return nil
}

var _ Store = &Rocks{}
