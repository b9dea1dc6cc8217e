package engine

import (
	"context"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

// ContentSurface is any in-page readable or editable surface holding
// resource data. Clear must replace the content with empty content, not
// merely hide it.
type ContentSurface interface {
	Clear() error
}

type namedSurface struct {
	name    string
	surface ContentSurface
}

type namedRelease struct {
	name    string
	release func(ctx context.Context) error
}

// Teardown is the idempotent purge run when a session ends. It optimizes
// for maximum data clearance over transactionality: a failed step is
// logged and every remaining step is still attempted.
type Teardown struct {
	mu         sync.Mutex
	surfaces   []namedSurface
	forms      []namedSurface
	releasers  []namedRelease
	queryCache *ttlcache.Cache[string, []byte]
}

// NewTeardown creates a teardown over the given query cache. Purge
// targets are registered afterwards.
func NewTeardown(queryCache *ttlcache.Cache[string, []byte]) *Teardown {
	return &Teardown{queryCache: queryCache}
}

// RegisterSurface adds rendered sensitive content to the purge set.
func (t *Teardown) RegisterSurface(name string, s ContentSurface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.surfaces = append(t.surfaces, namedSurface{name: name, surface: s})
}

// RegisterFormState adds transient form input to the purge set.
func (t *Teardown) RegisterFormState(name string, s ContentSurface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forms = append(t.forms, namedSurface{name: name, surface: s})
}

// RegisterCacheRelease adds a best-effort release of a backing cache.
func (t *Teardown) RegisterCacheRelease(name string, release func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releasers = append(t.releasers, namedRelease{name: name, release: release})
}

// Run purges everything: rendered surfaces, the query cache, the stored
// session record (all records when wipeAll), form state, the broadcast
// subscription, and backing caches. Safe to invoke repeatedly and from
// multiple trigger paths; a second run finds everything already cleared
// and clears it again without error.
func (t *Teardown) Run(ctx context.Context, store domain.RecordStore, resourceID string, wipeAll bool, sub domain.Subscription) {
	t.mu.Lock()
	surfaces := append([]namedSurface(nil), t.surfaces...)
	forms := append([]namedSurface(nil), t.forms...)
	releasers := append([]namedRelease(nil), t.releasers...)
	t.mu.Unlock()

	for _, s := range surfaces {
		if err := s.surface.Clear(); err != nil {
			log.Error().Err(sgerrors.NewTeardownStepFailed("surface:"+s.name, err)).Msg("Teardown step failed, continuing")
		}
	}

	if t.queryCache != nil {
		t.queryCache.DeleteAll()
	}

	if store != nil {
		var err error
		if wipeAll {
			err = store.Clear(ctx)
		} else {
			err = store.Delete(ctx, resourceID)
		}
		if err != nil {
			log.Error().Err(sgerrors.NewTeardownStepFailed("record-store", err)).Str("resourceID", resourceID).Msg("Teardown step failed, continuing")
		}
	}

	for _, s := range forms {
		if err := s.surface.Clear(); err != nil {
			log.Error().Err(sgerrors.NewTeardownStepFailed("form:"+s.name, err)).Msg("Teardown step failed, continuing")
		}
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Error().Err(sgerrors.NewTeardownStepFailed("broadcast-subscription", err)).Msg("Teardown step failed, continuing")
		}
	}

	for _, r := range releasers {
		if err := r.release(ctx); err != nil {
			log.Error().Err(sgerrors.NewTeardownStepFailed("cache-release:"+r.name, err)).Msg("Teardown step failed, continuing")
		}
	}

	log.Debug().Str("resourceID", resourceID).Bool("wipeAll", wipeAll).Msg("Secure teardown completed (best effort)")
}
