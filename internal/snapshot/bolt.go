// Package snapshot checkpoints device trust records to a bbolt file so
// reputations survive restarts.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"crowdbus/internal/domain"
)

var (
	devicesBucket = []byte("devices")
	metaBucket    = []byte("meta")
	savedAtKey    = []byte("saved_at")
)

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open trust snapshot: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{devicesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDevices upserts every record in one transaction.
func (s *Store) SaveDevices(ctx context.Context, devices []domain.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(devicesBucket)
		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode device %s: %w", d.ID, err)
			}
			if err := bucket.Put([]byte(d.ID), data); err != nil {
				return err
			}
		}
		savedAt, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(savedAtKey, savedAt)
	})
	if err != nil {
		return fmt.Errorf("%w: save devices: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadDevices returns every stored record in key order. Undecodable entries
// are skipped and counted.
func (s *Store) LoadDevices() (devices []domain.Device, skipped int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(k, v []byte) error {
			var d domain.Device
			if err := json.Unmarshal(v, &d); err != nil {
				skipped++
				return nil
			}
			devices = append(devices, d)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load devices: %w", err)
	}
	return devices, skipped, nil
}

// SavedAt reports when the last checkpoint was written.
func (s *Store) SavedAt() (time.Time, bool) {
	var t time.Time
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(savedAtKey)
		if v != nil && t.UnmarshalText(v) == nil {
			ok = true
		}
		return nil
	})
	return t, ok
}
