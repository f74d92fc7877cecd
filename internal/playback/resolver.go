package playback

import (
	"context"
	"errors"

	"github.com/berrythewa/meshplay/internal/types"
	"go.uber.org/zap"
)

// TrackStore is the local track library
type TrackStore interface {
	Track(id string) (*types.Track, error)
	SaveTrack(track *types.Track) error
}

// TrackLookup fetches track metadata from a remote service
type TrackLookup interface {
	Lookup(ctx context.Context, id string) (*types.Track, error)
}

// TrackResolver turns a media id into playable track metadata
type TrackResolver interface {
	Resolve(ctx context.Context, id string) *types.Track
}

// ChainResolver tries the local library, then the remote service, and
// falls back to a placeholder track. Remote hits are cached locally.
type ChainResolver struct {
	store  TrackStore
	remote TrackLookup
	logger *zap.Logger
}

// NewChainResolver creates a resolver; store and remote may be nil
func NewChainResolver(store TrackStore, remote TrackLookup, logger *zap.Logger) *ChainResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainResolver{
		store:  store,
		remote: remote,
		logger: logger.With(zap.String("component", "track_resolver")),
	}
}

// Resolve never fails: unresolvable ids yield a placeholder
func (r *ChainResolver) Resolve(ctx context.Context, id string) *types.Track {
	if r.store != nil {
		track, err := r.store.Track(id)
		if err == nil && track != nil {
			return track
		}
		r.logger.Debug("Track not in library", zap.String("id", id), zap.Error(err))
	}

	if r.remote != nil {
		track, err := r.remote.Lookup(ctx, id)
		if err == nil && track != nil {
			if r.store != nil {
				if err := r.store.SaveTrack(track); err != nil {
					r.logger.Warn("Failed to cache resolved track", zap.String("id", id), zap.Error(err))
				}
			}
			return track
		}
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("Remote track lookup failed", zap.String("id", id), zap.Error(err))
		}
	}

	r.logger.Info("Using placeholder for unresolved track", zap.String("id", id))
	return types.PlaceholderTrack(id)
}
