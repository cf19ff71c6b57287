package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServices   = []byte("services")
	bucketTags       = []byte("tags")
	bucketHealth     = []byte("health_status")
	bucketHeartbeats = []byte("heartbeats") // one nested bucket per service key
	bucketConfig     = []byte("system_config")
)

// DefaultHeartbeatsPerKey caps the heartbeat history kept for one service key
const DefaultHeartbeatsPerKey = 1000

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db               *bolt.DB
	heartbeatsPerKey int
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "switch-service.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServices,
			bucketTags,
			bucketHealth,
			bucketHeartbeats,
			bucketConfig,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, heartbeatsPerKey: DefaultHeartbeatsPerKey}, nil
}

// SetHeartbeatsPerKey changes the per-key heartbeat retention cap
func (s *BoltStore) SetHeartbeatsPerKey(n int) {
	if n > 0 {
		s.heartbeatsPerKey = n
	}
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Proxy service operations

func (s *BoltStore) CreateService(service *types.ProxyService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if err := checkServiceName(b, service.ServiceName, service.ID); err != nil {
			return err
		}
		return putJSON(b, service.ID, service)
	})
}

func (s *BoltStore) GetService(id string) (*types.ProxyService, error) {
	var service types.ProxyService
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("service %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) GetServiceByName(name string) (*types.ProxyService, error) {
	services, err := s.ListServices()
	if err != nil {
		return nil, err
	}
	for _, service := range services {
		if service.ServiceName == name {
			return service, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", name, ErrNotFound)
}

func (s *BoltStore) ListServices() ([]*types.ProxyService, error) {
	var services []*types.ProxyService
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.ProxyService
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].CreatedAt.Before(services[j].CreatedAt)
	})
	return services, err
}

func (s *BoltStore) UpdateService(id string, fn func(service *types.ProxyService) error) (*types.ProxyService, error) {
	var service types.ProxyService
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("service %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &service); err != nil {
			return err
		}
		before := append([]string(nil), service.TagIDs...)
		if err := fn(&service); err != nil {
			return err
		}
		if err := checkServiceName(b, service.ServiceName, id); err != nil {
			return err
		}
		if !slices.Equal(before, service.TagIDs) {
			tagIDs, err := checkTags(tx.Bucket(bucketTags), service.TagIDs)
			if err != nil {
				return err
			}
			service.TagIDs = tagIDs
		}
		service.ID = id
		service.UpdatedAt = time.Now()
		return putJSON(b, id, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("service %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func checkServiceName(b *bolt.Bucket, name, selfID string) error {
	return b.ForEach(func(k, v []byte) error {
		if string(k) == selfID {
			return nil
		}
		var other types.ProxyService
		if err := json.Unmarshal(v, &other); err != nil {
			return err
		}
		if other.ServiceName == name {
			return fmt.Errorf("service %s: %w", name, ErrDuplicateName)
		}
		return nil
	})
}

// Tag operations

func (s *BoltStore) CreateTag(tag *types.Tag) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		if err := checkTagName(b, tag.Name, tag.ID); err != nil {
			return err
		}
		return putJSON(b, tag.ID, tag)
	})
}

func (s *BoltStore) GetTag(id string) (*types.Tag, error) {
	var tag types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTags).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tag)
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func (s *BoltStore) ListTags() ([]*types.Tag, error) {
	var tags []*types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(k, v []byte) error {
			var tag types.Tag
			if err := json.Unmarshal(v, &tag); err != nil {
				return err
			}
			tags = append(tags, &tag)
			return nil
		})
	})
	sort.SliceStable(tags, func(i, j int) bool {
		if tags[i].Type != tags[j].Type {
			return tags[i].Type < tags[j].Type
		}
		return tags[i].Name < tags[j].Name
	})
	return tags, err
}

func (s *BoltStore) UpdateTag(tag *types.Tag) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		if b.Get([]byte(tag.ID)) == nil {
			return fmt.Errorf("tag %s: %w", tag.ID, ErrNotFound)
		}
		if err := checkTagName(b, tag.Name, tag.ID); err != nil {
			return err
		}
		return putJSON(b, tag.ID, tag)
	})
}

// DeleteTag removes the tag and detaches it from every service
func (s *BoltStore) DeleteTag(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tags := tx.Bucket(bucketTags)
		if tags.Get([]byte(id)) == nil {
			return fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}
		if err := tags.Delete([]byte(id)); err != nil {
			return err
		}

		services := tx.Bucket(bucketServices)
		var updated []*types.ProxyService
		err := services.ForEach(func(k, v []byte) error {
			var service types.ProxyService
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			if kept := removeString(service.TagIDs, id); len(kept) != len(service.TagIDs) {
				service.TagIDs = kept
				updated = append(updated, &service)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, service := range updated {
			if err := putJSON(services, service.ID, service); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetServiceTags replaces the tag set of a service; all tags must exist
func (s *BoltStore) SetServiceTags(serviceID string, tagIDs []string) (*types.ProxyService, error) {
	var service types.ProxyService
	err := s.db.Update(func(tx *bolt.Tx) error {
		unique, err := checkTags(tx.Bucket(bucketTags), tagIDs)
		if err != nil {
			return err
		}

		services := tx.Bucket(bucketServices)
		data := services.Get([]byte(serviceID))
		if data == nil {
			return fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &service); err != nil {
			return err
		}
		service.TagIDs = unique
		service.UpdatedAt = time.Now()
		return putJSON(services, serviceID, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

// checkTags verifies that every id names a stored tag and drops duplicates
func checkTags(b *bolt.Bucket, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	var unique []string
	for _, id := range ids {
		if b.Get([]byte(id)) == nil {
			return nil, fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique, nil
}

func checkTagName(b *bolt.Bucket, name, selfID string) error {
	return b.ForEach(func(k, v []byte) error {
		if string(k) == selfID {
			return nil
		}
		var other types.Tag
		if err := json.Unmarshal(v, &other); err != nil {
			return err
		}
		if other.Name == name {
			return fmt.Errorf("tag %s: %w", name, ErrDuplicateName)
		}
		return nil
	})
}

// Heartbeat operations

func (s *BoltStore) AppendHeartbeat(key types.ServiceKey, record types.HeartbeatRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketHeartbeats).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return trimBefore(b, seq, s.heartbeatsPerKey)
	})
}

func (s *BoltStore) RecentHeartbeats(key types.ServiceKey, n int) ([]types.HeartbeatRecord, error) {
	var records []types.HeartbeatRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var record types.HeartbeatRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Cursor walked newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *BoltStore) ClearHeartbeats(key types.ServiceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHeartbeats)
		if root.Bucket([]byte(key)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(key))
	})
}

// PruneHeartbeats deletes records older than the cutoff across all keys
func (s *BoltStore) PruneHeartbeats(olderThan time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHeartbeats)
		var names [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			names = append(names, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			b := root.Bucket(name)
			var stale [][]byte
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var record types.HeartbeatRecord
				if err := json.Unmarshal(v, &record); err != nil {
					return err
				}
				if !record.Timestamp.Before(olderThan) {
					break // keys are in insertion order
				}
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// trimBefore deletes records whose sequence falls outside the newest keep entries
func trimBefore(b *bolt.Bucket, latest uint64, keep int) error {
	if latest <= uint64(keep) {
		return nil
	}
	threshold := seqKey(latest - uint64(keep) + 1)
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, threshold) < 0; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Health status operations

func (s *BoltStore) GetHealthStatus(key types.ServiceKey) (*types.ServiceHealthStatus, error) {
	var status types.ServiceHealthStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHealth).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("health status %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *BoltStore) PutHealthStatus(status *types.ServiceHealthStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHealth), string(status.Key()), status)
	})
}

func (s *BoltStore) DeleteHealthStatus(key types.ServiceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealth).Delete([]byte(key))
	})
}

func (s *BoltStore) ListHealthStatus() ([]*types.ServiceHealthStatus, error) {
	var statuses []*types.ServiceHealthStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealth).ForEach(func(k, v []byte) error {
			var status types.ServiceHealthStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
			return nil
		})
	})
	return statuses, err
}

// Config operations

func (s *BoltStore) GetConfig(key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("config %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SetConfig(key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketConfig), key, v)
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
