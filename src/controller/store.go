package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger"
)

const trackPrefix = "track"

// TrackStore persists finished and in-progress tracks for the presentation
// layer. Writes happen on every track update; the store never evicts.
type TrackStore interface {
	SaveTrack(t *Track) error
	GetTrack(id string) (*Track, error)
	AllTracks() ([]*Track, error)
	Close() error
}

// InmemTrackStore is a map-backed store for tests and store-less nodes.
type InmemTrackStore struct {
	sync.RWMutex
	tracks map[string][]byte
}

// NewInmemTrackStore ...
func NewInmemTrackStore() *InmemTrackStore {
	return &InmemTrackStore{
		tracks: make(map[string][]byte),
	}
}

// SaveTrack implements the TrackStore interface.
func (s *InmemTrackStore) SaveTrack(t *Track) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	s.tracks[t.ID] = data
	return nil
}

// GetTrack implements the TrackStore interface.
func (s *InmemTrackStore) GetTrack(id string) (*Track, error) {
	s.RLock()
	data, ok := s.tracks[id]
	s.RUnlock()

	if !ok {
		return nil, fmt.Errorf("track %s not found", id)
	}

	t := new(Track)
	if err := t.Unmarshal(data); err != nil {
		return nil, err
	}
	return t, nil
}

// AllTracks implements the TrackStore interface. Tracks come back sorted by
// first-seen time so the API output is stable.
func (s *InmemTrackStore) AllTracks() ([]*Track, error) {
	s.RLock()
	defer s.RUnlock()

	tracks := make([]*Track, 0, len(s.tracks))
	for _, data := range s.tracks {
		t := new(Track)
		if err := t.Unmarshal(data); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	sortTracks(tracks)
	return tracks, nil
}

// Close implements the TrackStore interface.
func (s *InmemTrackStore) Close() error {
	return nil
}

// BadgerTrackStore layers badger persistence under an inmem store, in the
// same shape the consensus store wraps its caches: reads hit the cache,
// writes go to both.
type BadgerTrackStore struct {
	inmem *InmemTrackStore
	db    *badger.DB
	path  string
}

// NewBadgerTrackStore opens (or creates) the track database at path.
func NewBadgerTrackStore(path string) (*BadgerTrackStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerTrackStore{
		inmem: NewInmemTrackStore(),
		db:    handle,
		path:  path,
	}

	if err := store.loadTracks(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

func trackKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", trackPrefix, id))
}

// loadTracks warms the inmem cache from disk on startup.
func (s *BadgerTrackStore) loadTracks() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(trackPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			t := new(Track)
			if err := t.Unmarshal(data); err != nil {
				return err
			}
			if err := s.inmem.SaveTrack(t); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveTrack implements the TrackStore interface.
func (s *BadgerTrackStore) SaveTrack(t *Track) error {
	if err := s.inmem.SaveTrack(t); err != nil {
		return err
	}

	data, err := t.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(trackKey(t.ID), data)
	})
}

// GetTrack implements the TrackStore interface.
func (s *BadgerTrackStore) GetTrack(id string) (*Track, error) {
	if t, err := s.inmem.GetTrack(id); err == nil {
		return t, nil
	}

	t := new(Track)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(trackKey(id))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return t.Unmarshal(data)
	})
	if err != nil {
		return nil, fmt.Errorf("track %s not found", id)
	}
	return t, nil
}

// AllTracks implements the TrackStore interface.
func (s *BadgerTrackStore) AllTracks() ([]*Track, error) {
	return s.inmem.AllTracks()
}

// Close implements the TrackStore interface.
func (s *BadgerTrackStore) Close() error {
	return s.db.Close()
}

func sortTracks(tracks []*Track) {
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].FirstSeenMS != tracks[j].FirstSeenMS {
			return tracks[i].FirstSeenMS < tracks[j].FirstSeenMS
		}
		return tracks[i].ID < tracks[j].ID
	})
}
