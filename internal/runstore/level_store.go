package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	runPrefix = []byte("run:")
	keyPrefix = []byte("key:")
)

// LevelStore persists records in a goleveldb directory. Suitable for a
// single operator host.
type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (l *LevelStore) Close() error {
	return l.db.Close()
}

func prefixed(prefix []byte, s string) []byte {
	return append(append([]byte{}, prefix...), s...)
}

func (l *LevelStore) Save(_ context.Context, record Record) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(prefixed(runPrefix, record.ID), blob)
	if record.IdempotencyKey != "" {
		batch.Put(prefixed(keyPrefix, record.IdempotencyKey), []byte(record.ID))
	}
	return l.db.Write(batch, nil)
}

func (l *LevelStore) Get(_ context.Context, id string) (*Record, error) {
	blob, err := l.db.Get(prefixed(runPrefix, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *LevelStore) FindByKey(ctx context.Context, key string) (*Record, error) {
	id, err := l.db.Get(prefixed(keyPrefix, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := l.Get(ctx, string(id))
	if err != nil || rec == nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = l.db.Delete(prefixed(keyPrefix, key), nil)
		return nil, nil
	}
	return rec, nil
}

func (l *LevelStore) List(_ context.Context, limit int) ([]Record, error) {
	iter := l.db.NewIterator(util.BytesPrefix(runPrefix), nil)
	defer iter.Release()

	var out []Record
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return newestFirst(out, limit), nil
}

// Ping reports whether the database is still open.
func (l *LevelStore) Ping(_ context.Context) error {
	_, err := l.db.GetProperty("leveldb.num-files-at-level0")
	return err
}
