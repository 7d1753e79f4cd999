package persist

import (
	"context"
	"errors"
	"sync"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/logger"
)

// Gate restores persisted state into the Store at startup and signals when
// that is done. Until then "not loaded" must not be read as "signed out".
type Gate struct {
	storage Storage
	log     logger.Logger

	once     sync.Once
	hydrated chan struct{}

	mu    sync.Mutex
	store *state.Store
}

func NewGate(storage Storage, log logger.Logger) *Gate {
	return &Gate{
		storage:  storage,
		log:      log,
		hydrated: make(chan struct{}),
	}
}

// Load reads and migrates the stored blob. Missing state is not an error.
// On a persistence error the defaults are returned together with the error.
func (g *Gate) Load(ctx context.Context) (State, bool, error) {
	data, err := g.storage.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		return DefaultState(), false, nil
	}
	if err != nil {
		return DefaultState(), false, domain.PersistenceError("read state", err)
	}
	st, migrated, err := Decode(data)
	if err != nil {
		return DefaultState(), false, err
	}
	return st, migrated, nil
}

// Hydrate restores the store and opens the gate. It never fails startup:
// unreadable state falls back to defaults and the error is only logged and
// returned for the caller's information.
func (g *Gate) Hydrate(ctx context.Context, store *state.Store) error {
	defer g.open(store)

	st, migrated, loadErr := g.Load(ctx)
	if loadErr != nil {
		g.log.Error("persist.load.failed", loadErr)
	}
	_, _ = store.Update(func(tx *state.Tx) error {
		tx.Restore(st.ToPersisted())
		return nil
	})

	if migrated {
		if err := g.Save(ctx, st.ToPersisted()); err != nil {
			g.log.Error("persist.migrate.save_failed", err)
		} else {
			g.log.Info("persist.migrated", "stored state upgraded to the current version")
		}
	}
	return loadErr
}

func (g *Gate) open(store *state.Store) {
	g.once.Do(func() {
		g.mu.Lock()
		g.store = store
		g.mu.Unlock()
		close(g.hydrated)
	})
}

// Save writes p in the current version
func (g *Gate) Save(ctx context.Context, p state.Persisted) error {
	data, err := Encode(FromPersisted(p))
	if err != nil {
		return err
	}
	if err := g.storage.Write(ctx, data); err != nil {
		return domain.PersistenceError("write state", err)
	}
	return nil
}

// Hydrated reports whether Hydrate has finished
func (g *Gate) Hydrated() bool {
	select {
	case <-g.hydrated:
		return true
	default:
		return false
	}
}

// WaitHydrated blocks until Hydrate has finished or ctx ends
func (g *Gate) WaitHydrated(ctx context.Context) error {
	select {
	case <-g.hydrated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authenticated waits for hydration, then answers from the restored state
func (g *Gate) Authenticated(ctx context.Context) (bool, error) {
	if err := g.WaitHydrated(ctx); err != nil {
		return false, err
	}
	g.mu.Lock()
	store := g.store
	g.mu.Unlock()
	snap := store.Snapshot()
	return snap.Authenticated && snap.User != nil, nil
}
