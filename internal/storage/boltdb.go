// Package storage persists the local track library in BoltDB
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/berrythewa/meshplay/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const tracksBucket = "tracks"

// ErrTrackNotFound is returned when a track id is not in the library
var ErrTrackNotFound = errors.New("track not found")

// LibraryConfig holds configuration for BoltLibrary initialization
type LibraryConfig struct {
	DBPath string
	Logger *zap.Logger
}

// BoltLibrary stores track metadata keyed by track id
type BoltLibrary struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltLibrary opens or creates the library database
func NewBoltLibrary(cfg LibraryConfig) (*BoltLibrary, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(cfg.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tracksBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	lib := &BoltLibrary{
		db:     db,
		logger: logger.With(zap.String("component", "library")),
	}
	lib.logger.Debug("Track library opened", zap.String("db_path", cfg.DBPath))
	return lib, nil
}

// SaveTrack inserts or replaces a track
func (l *BoltLibrary) SaveTrack(track *types.Track) error {
	if track == nil || strings.TrimSpace(track.ID) == "" {
		return fmt.Errorf("track id is required")
	}
	if track.Unresolved {
		return fmt.Errorf("refusing to store placeholder track %s", track.ID)
	}
	if track.AddedAt.IsZero() {
		track.AddedAt = time.Now().UTC()
	}

	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to marshal track: %w", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tracksBucket)).Put([]byte(track.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save track: %w", err)
	}

	l.logger.Debug("Track saved", zap.String("id", track.ID), zap.String("title", track.Title))
	return nil
}

// Track returns the track with the given id
func (l *BoltLibrary) Track(id string) (*types.Track, error) {
	var track *types.Track
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(tracksBucket)).Get([]byte(id))
		if data == nil {
			return ErrTrackNotFound
		}
		track = &types.Track{}
		return json.Unmarshal(data, track)
	})
	if err != nil {
		if errors.Is(err, ErrTrackNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return nil, fmt.Errorf("failed to read track: %w", err)
	}
	return track, nil
}

// ListTracks returns all tracks ordered by artist then title
func (l *BoltLibrary) ListTracks() ([]*types.Track, error) {
	var tracks []*types.Track
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tracksBucket)).ForEach(func(k, v []byte) error {
			var track types.Track
			if err := json.Unmarshal(v, &track); err != nil {
				l.logger.Warn("Skipping corrupt track record", zap.ByteString("id", k), zap.Error(err))
				return nil
			}
			tracks = append(tracks, &track)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].Artist != tracks[j].Artist {
			return tracks[i].Artist < tracks[j].Artist
		}
		return tracks[i].Title < tracks[j].Title
	})
	return tracks, nil
}

// DeleteTrack removes a track
func (l *BoltLibrary) DeleteTrack(id string) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tracksBucket))
		if b.Get([]byte(id)) == nil {
			return ErrTrackNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		if errors.Is(err, ErrTrackNotFound) {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return fmt.Errorf("failed to delete track: %w", err)
	}
	return nil
}

// Count returns the number of stored tracks
func (l *BoltLibrary) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(tracksBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database
func (l *BoltLibrary) Close() error {
	return l.db.Close()
}
