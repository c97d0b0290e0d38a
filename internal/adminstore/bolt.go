package adminstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var filesBucket = []byte("files")

// BoltStore is a Store persisted in a bbolt database. Every state change is
// committed before the call returns, so the per-replica progress of a file
// survives a restart. Reply tokens are kept in memory.
type BoltStore struct {
	db *bolt.DB

	mu      sync.Mutex
	replies map[string]ReplyToken

	now func() time.Time
}

// NewBoltStore opens (or creates) the admin database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open admin db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{
		db:      db,
		replies: make(map[string]ReplyToken),
		now:     time.Now,
	}, nil
}

func (bs *BoltStore) HasEntry(filename string) (bool, error) {
	_, found, err := bs.Record(filename)
	return found, err
}

func (bs *BoltStore) AddEntry(filename string, token ReplyToken, checksum string) error {
	if filename == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidArgument)
	}
	if checksum == "" {
		return fmt.Errorf("%w: empty checksum for %s", ErrInvalidArgument, filename)
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		rec := FileRecord{
			Filename: filename,
			Checksum: checksum,
			Replicas: make(map[string]ReplicaState),
			Created:  bs.now().UTC(),
		}
		return putRecord(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("add entry %s: %w", filename, err)
	}

	bs.mu.Lock()
	if token != nil {
		bs.replies[filename] = token
	} else {
		delete(bs.replies, filename)
	}
	bs.mu.Unlock()
	return nil
}

func (bs *BoltStore) Checksum(filename string) (string, bool, error) {
	rec, found, err := bs.Record(filename)
	if err != nil || !found {
		return "", found, err
	}
	return rec.Checksum, true, nil
}

func (bs *BoltStore) SetChecksum(filename, checksum string) error {
	if checksum == "" {
		return fmt.Errorf("%w: empty checksum for %s", ErrInvalidArgument, filename)
	}
	return bs.update(filename, func(rec *FileRecord) {
		rec.Checksum = checksum
	})
}

func (bs *BoltStore) State(filename, replicaID string) (StoreState, bool, error) {
	rec, found, err := bs.Record(filename)
	if err != nil || !found {
		return "", false, err
	}
	rs, ok := rec.Replicas[replicaID]
	if !ok {
		return "", false, nil
	}
	return rs.State, true, nil
}

func (bs *BoltStore) SetState(filename, replicaID string, state StoreState) error {
	if replicaID == "" {
		return fmt.Errorf("%w: empty replica id", ErrInvalidArgument)
	}
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return bs.update(filename, func(rec *FileRecord) {
		rec.Replicas[replicaID] = ReplicaState{State: state, Changed: bs.now().UTC()}
	})
}

func (bs *BoltStore) HasReplyInfo(filename string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.replies[filename]
	return ok
}

func (bs *BoltStore) SetReplyInfo(filename string, token ReplyToken) error {
	if token == nil {
		return fmt.Errorf("%w: nil reply token", ErrInvalidArgument)
	}
	found, err := bs.HasEntry(filename)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, filename)
	}

	bs.mu.Lock()
	bs.replies[filename] = token
	bs.mu.Unlock()
	return nil
}

func (bs *BoltStore) RemoveReplyInfo(filename string) (ReplyToken, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	token, ok := bs.replies[filename]
	if ok {
		delete(bs.replies, filename)
	}
	return token, ok
}

func (bs *BoltStore) Record(filename string) (*FileRecord, bool, error) {
	var rec *FileRecord
	err := bs.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, filename)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read entry %s: %w", filename, err)
	}
	return rec, rec != nil, nil
}

func (bs *BoltStore) List(state StoreState) ([]*FileRecord, error) {
	var out []*FileRecord
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(_, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if state == "" || rec.HasState(state) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Close closes the database.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

func (bs *BoltStore) update(filename string, fn func(rec *FileRecord)) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, filename)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrUnknownEntry, filename)
		}
		fn(rec)
		return putRecord(tx, rec)
	})
}

func getRecord(tx *bolt.Tx, filename string) (*FileRecord, error) {
	data := tx.Bucket(filesBucket).Get([]byte(filename))
	if data == nil {
		return nil, nil
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", filename, err)
	}
	if rec.Replicas == nil {
		rec.Replicas = make(map[string]ReplicaState)
	}
	return &rec, nil
}

func putRecord(tx *bolt.Tx, rec *FileRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(filesBucket).Put([]byte(rec.Filename), encoded)
}
