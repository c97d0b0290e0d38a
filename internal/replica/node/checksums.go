package node

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/staging"
	bolt "go.etcd.io/bbolt"
)

var checksumsBucket = []byte("checksums")

// ChecksumArchive is a checksum replica: it keeps only the checksum of each
// uploaded file, in a bbolt database.
type ChecksumArchive struct {
	db *bolt.DB
}

// NewChecksumArchive opens (or creates) the checksum database at path.
func NewChecksumArchive(path string) (*ChecksumArchive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open checksum db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checksumsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &ChecksumArchive{db: db}, nil
}

// Store fetches the file and records the checksum of the received bytes.
func (a *ChecksumArchive) Store(name, checksum string, fetch FetchFunc) error {
	if !staging.ValidName(name) {
		return fmt.Errorf("%w: %q", staging.ErrInvalidName, name)
	}
	if existing, found, err := a.Checksum(name); err != nil {
		return err
	} else if found {
		return sameChecksum(name, existing, checksum)
	}

	h := md5.New()
	if err := fetch(h); err != nil {
		return err
	}
	received := hex.EncodeToString(h.Sum(nil))

	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checksumsBucket)
		if v := b.Get([]byte(name)); v != nil {
			return sameChecksum(name, string(v), checksum)
		}
		return b.Put([]byte(name), []byte(received))
	})
}

func (a *ChecksumArchive) Checksum(name string) (string, bool, error) {
	var sum string
	err := a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checksumsBucket).Get([]byte(name)); v != nil {
			sum = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("read checksum of %s: %w", name, err)
	}
	return sum, sum != "", nil
}

func (a *ChecksumArchive) Filenames() ([]string, error) {
	var names []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checksumsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return names, nil
}

// ChecksumLines returns a "filename##checksum" line for every recorded file.
func (a *ChecksumArchive) ChecksumLines() ([]string, error) {
	var lines []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checksumsBucket).ForEach(func(k, v []byte) error {
			lines = append(lines, protocol.FormatChecksumLine(string(k), string(v)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list checksums: %w", err)
	}
	return lines, nil
}

func (a *ChecksumArchive) Close() error {
	return a.db.Close()
}
