// internal/store/boltstore.go - BoltDB implementation of Store
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	EndpointsBucket = []byte("endpoints")
	ProbesBucket    = []byte("probes")
	GeoCacheBucket  = []byte("geocache")
	MetaBucket      = []byte("meta")
)

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (Store, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{EndpointsBucket, ProbesBucket, GeoCacheBucket, MetaBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) GetEndpoint(ctx context.Context, ip string) (*Endpoint, error) {
	var ep Endpoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EndpointsBucket)
		v := b.Get([]byte(ip))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &ep)
	})

	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *BoltStore) UpsertEndpoint(ctx context.Context, ep *Endpoint) error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EndpointsBucket)

		if existing := b.Get([]byte(ep.IP)); existing == nil {
			if ep.FirstSeen.IsZero() {
				ep.FirstSeen = now
			}
		} else {
			var prev Endpoint
			if err := json.Unmarshal(existing, &prev); err == nil {
				ep.FirstSeen = prev.FirstSeen
			}
		}
		ep.UpdatedAt = now

		data, err := json.Marshal(ep)
		if err != nil {
			return fmt.Errorf("failed to marshal endpoint: %w", err)
		}
		return b.Put([]byte(ep.IP), data)
	})
}

// MutateEndpoint applies fn to the stored row inside one write transaction,
// creating the row when the IP has never been seen. Concurrent writers to the
// same IP therefore never interleave partial field updates.
func (s *BoltStore) MutateEndpoint(ctx context.Context, ip string, fn func(*Endpoint) error) (*Endpoint, error) {
	var out Endpoint

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EndpointsBucket)

		ep := Endpoint{IP: ip, FirstSeen: time.Now()}
		if v := b.Get([]byte(ip)); v != nil {
			if err := json.Unmarshal(v, &ep); err != nil {
				return fmt.Errorf("failed to unmarshal endpoint %s: %w", ip, err)
			}
		}

		if err := fn(&ep); err != nil {
			return err
		}

		ep.IP = ip
		ep.UpdatedAt = time.Now()

		data, err := json.Marshal(&ep)
		if err != nil {
			return fmt.Errorf("failed to marshal endpoint: %w", err)
		}
		if err := b.Put([]byte(ip), data); err != nil {
			return err
		}
		out = ep
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) ListEndpoints(ctx context.Context, filters EndpointFilters) ([]Endpoint, error) {
	var endpoints []Endpoint
	skipped := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EndpointsBucket)
		return b.ForEach(func(k, v []byte) error {
			var ep Endpoint
			if err := json.Unmarshal(v, &ep); err != nil {
				return nil // Skip malformed entries
			}

			if filters.OK != nil && ep.OK != *filters.OK {
				return nil
			}
			if skipped < filters.Offset {
				skipped++
				return nil
			}

			endpoints = append(endpoints, ep)

			if filters.Limit > 0 && len(endpoints) >= filters.Limit {
				return errLimitReached
			}
			return nil
		})
	})

	if err == errLimitReached {
		err = nil
	}
	return endpoints, err
}

func (s *BoltStore) CountEndpoints(ctx context.Context, filters EndpointFilters) (int, error) {
	count := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EndpointsBucket)
		return b.ForEach(func(k, v []byte) error {
			if filters.OK != nil {
				var ep Endpoint
				if err := json.Unmarshal(v, &ep); err != nil {
					return nil
				}
				if ep.OK != *filters.OK {
					return nil
				}
			}
			count++
			return nil
		})
	})

	return count, err
}

var errLimitReached = fmt.Errorf("limit_reached")

// probeKey orders records per IP by timestamp; the nano suffix plus the
// record ID keeps keys unique under concurrent appends.
func probeKey(rec *ProbeRecord) []byte {
	return []byte(fmt.Sprintf("%s|%020d|%s", rec.IP, rec.Timestamp.UnixNano(), rec.ID))
}

func (s *BoltStore) AppendProbe(ctx context.Context, rec *ProbeRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ProbesBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal probe record: %w", err)
		}
		return b.Put(probeKey(rec), data)
	})
}

func (s *BoltStore) ListProbes(ctx context.Context, filters ProbeFilters) ([]ProbeRecord, error) {
	var records []ProbeRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ProbesBucket)

		if filters.IP != "" {
			c := b.Cursor()
			prefix := filters.IP + "|"
			for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
				var rec ProbeRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					continue
				}
				if filters.Model != "" && rec.Model != filters.Model {
					continue
				}
				records = append(records, rec)
			}
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var rec ProbeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if filters.Model != "" && rec.Model != filters.Model {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Most recent first across hosts; completion order is already preserved
	// per (ip, model) by the key scheme.
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	if filters.Limit > 0 && len(records) > filters.Limit {
		records = records[:filters.Limit]
	}
	return records, nil
}

func (s *BoltStore) PruneProbesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ProbesBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec ProbeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Timestamp.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})

	return deleted, err
}

func (s *BoltStore) GetGeoCache(ctx context.Context, ip string) (*GeoCacheEntry, error) {
	var entry GeoCacheEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(GeoCacheBucket)
		v := b.Get([]byte(ip))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &entry)
	})

	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) PutGeoCache(ctx context.Context, entry *GeoCacheEntry) error {
	if entry.ResolvedAt.IsZero() {
		entry.ResolvedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(GeoCacheBucket)

		// Locations are immutable once resolved; first writer wins.
		if b.Get([]byte(entry.IP)) != nil {
			return nil
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal geo cache entry: %w", err)
		}
		return b.Put([]byte(entry.IP), data)
	})
}

func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(EndpointsBucket)
		if err := eb.ForEach(func(k, v []byte) error {
			stats.TotalEndpoints++
			var ep Endpoint
			if err := json.Unmarshal(v, &ep); err == nil && ep.OK {
				stats.VerifiedEndpoints++
			}
			return nil
		}); err != nil {
			return err
		}

		pb := tx.Bucket(ProbesBucket)
		if err := pb.ForEach(func(k, v []byte) error {
			stats.TotalProbes++
			var rec ProbeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if stats.OldestProbe.IsZero() || rec.Timestamp.Before(stats.OldestProbe) {
				stats.OldestProbe = rec.Timestamp
			}
			if rec.Timestamp.After(stats.NewestProbe) {
				stats.NewestProbe = rec.Timestamp
			}
			return nil
		}); err != nil {
			return err
		}

		gb := tx.Bucket(GeoCacheBucket)
		stats.GeoCacheEntries = gb.Stats().KeyN
		return nil
	})

	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
