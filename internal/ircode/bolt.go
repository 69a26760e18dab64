package ircode

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Layout: ircodes/<profile>/<button> -> JSON Command.
var bucketCodes = []byte("ircodes")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, cmd Command) error {
	if cmd.ProfileID == "" || cmd.Button == "" {
		return fmt.Errorf("profile and button are required: %w", av.ErrInvalidParameter)
	}
	profiles := tx.Bucket(bucketCodes)
	b, err := profiles.CreateBucketIfNotExists([]byte(cmd.ProfileID))
	if err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.Put([]byte(cmd.Button), data)
}

func (s *BoltStore) Save(cmd Command) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, cmd)
	})
}

func (s *BoltStore) SaveAll(cmds []Command) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, cmd := range cmds {
			if err := put(tx, cmd); err != nil {
				return fmt.Errorf("%s/%s: %w", cmd.ProfileID, cmd.Button, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Get(profileID, button string) (*Command, error) {
	var cmd Command
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes).Bucket([]byte(profileID))
		if b == nil {
			return fmt.Errorf("profile %s: %w", profileID, av.ErrNotFound)
		}
		data := b.Get([]byte(button))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", profileID, button, av.ErrNotFound)
		}
		return json.Unmarshal(data, &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// List returns the commands of a profile ordered by button name. An unknown
// profile yields an empty list.
func (s *BoltStore) List(profileID string) ([]Command, error) {
	var cmds []Command
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes).Bucket([]byte(profileID))
		if b == nil {
			return nil
		}
		cmds = make([]Command, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var cmd Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return fmt.Errorf("%s/%s: %w", profileID, k, err)
			}
			cmds = append(cmds, cmd)
			return nil
		})
	})
	return cmds, err
}

func (s *BoltStore) Delete(profileID, button string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes).Bucket([]byte(profileID))
		if b == nil || b.Get([]byte(button)) == nil {
			return fmt.Errorf("%s/%s: %w", profileID, button, av.ErrNotFound)
		}
		return b.Delete([]byte(button))
	})
}

func (s *BoltStore) Profiles() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCodes).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
