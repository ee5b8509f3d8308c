package actionlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/azuma-ya/meshgame/internal/wire"
	"go.etcd.io/bbolt"
)

// commitsBucket is the single bbolt bucket, keyed by big-endian height
// so a cursor walks commits in append order.
var commitsBucket = []byte("commits")

// DurableLog is the bbolt-backed Log implementation that survives
// process restart.
type DurableLog struct {
	db *bbolt.DB
}

// NewDurableLog opens (creating if necessary) a bbolt database at path
// and prepares its commits bucket.
func NewDurableLog(path string) (*DurableLog, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("actionlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commitsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("actionlog: init bucket: %w", err)
	}
	return &DurableLog{db: db}, nil
}

// Close releases the underlying bbolt database handle.
func (d *DurableLog) Close() error {
	return d.db.Close()
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func (d *DurableLog) Append(commit wire.Commit) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(commitsBucket)
		expected := uint64(bucket.Stats().KeyN) + 1
		if commit.Height != expected {
			return ErrHeightMismatch
		}
		data, err := json.Marshal(commit)
		if err != nil {
			return fmt.Errorf("actionlog: marshal commit: %w", err)
		}
		return bucket.Put(heightKey(commit.Height), data)
	})
}

func (d *DurableLog) GetRange(fromHeight, toHeight uint64) ([]wire.Commit, error) {
	if fromHeight < 1 || fromHeight > toHeight {
		return nil, nil
	}
	var out []wire.Commit
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(commitsBucket)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(heightKey(fromHeight)); k != nil; k, v = cursor.Next() {
			height := binary.BigEndian.Uint64(k)
			if height > toHeight {
				break
			}
			var commit wire.Commit
			if err := json.Unmarshal(v, &commit); err != nil {
				return fmt.Errorf("actionlog: unmarshal commit at height %d: %w", height, err)
			}
			out = append(out, commit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DurableLog) LatestHeight() uint64 {
	var height uint64
	_ = d.db.View(func(tx *bbolt.Tx) error {
		height = uint64(tx.Bucket(commitsBucket).Stats().KeyN)
		return nil
	})
	return height
}

func (d *DurableLog) Clear() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(commitsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(commitsBucket)
		return err
	})
}
