// Package registry tracks the associations of a one-to-many endpoint.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
)

// ErrNotFound is returned for a handle the registry does not hold.
var ErrNotFound = errors.New("association not found")

// Handle identifies an association in the registry. It is the transport
// association id.
type Handle protocol.AssocID

// Config is applied to every association the registry creates.
type Config struct {
	// AutoCloseSeconds and InfoLevel are copied into each association's
	// config.
	AutoCloseSeconds uint32
	InfoLevel        protocol.InfoType

	Logger *slog.Logger

	// OnCreated fires after a new association is registered.
	OnCreated func(h Handle, a *association.Association)

	OnEstablished func(a *association.Association)
	OnClosed      func(a *association.Association, err error)
	OnTransition  func(a *association.Association, from, to association.State)
}

// Registry maps handles to association state machines. Entries are created
// on the first event for an unseen association and destroyed only by Remove.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	assocs map[Handle]*association.Association
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "registry"),
		assocs: make(map[Handle]*association.Association),
	}
}

// OnEvent decodes raw, routes it to its association and applies
// notifications to the association's state machine. Events without an
// association id (for example a failed connect) return handle 0 and touch
// no entry.
func (r *Registry) OnEvent(raw *protocol.RawEvent) (Handle, notification.Event) {
	ev := notification.Decode(raw)

	id := ev.AssociationID()
	if id == 0 {
		return 0, ev
	}

	h := Handle(id)
	a := r.getOrCreate(h)

	if n, ok := ev.(*notification.Notification); ok {
		a.Apply(n)
	}
	return h, ev
}

// Ensure returns the association for h, creating it in Listening if needed.
func (r *Registry) Ensure(h Handle) *association.Association {
	return r.getOrCreate(h)
}

func (r *Registry) getOrCreate(h Handle) *association.Association {
	r.mu.RLock()
	a, ok := r.assocs[h]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	if a, ok = r.assocs[h]; ok {
		r.mu.Unlock()
		return a
	}
	a = association.New(protocol.AssocID(h), association.Config{
		AutoCloseSeconds: r.cfg.AutoCloseSeconds,
		InfoLevel:        r.cfg.InfoLevel,
		Logger:           r.cfg.Logger,
		OnEstablished:    r.cfg.OnEstablished,
		OnClosed:         r.cfg.OnClosed,
		OnTransition:     r.cfg.OnTransition,
	})
	r.assocs[h] = a
	n := len(r.assocs)
	r.mu.Unlock()

	// A fresh association is Closed, so Open cannot fail.
	a.Open(association.RoleServer)

	r.logger.Debug("association registered",
		logging.KeyHandle, h,
		logging.KeyCount, n)

	if r.cfg.OnCreated != nil {
		r.cfg.OnCreated(h, a)
	}
	return a
}

// Get returns the association for h.
func (r *Registry) Get(h Handle) (*association.Association, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assocs[h]
	return a, ok
}

// Remove deletes a Closed association. Live associations are kept and
// association.ErrNotTerminal is returned.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assocs[h]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	if st := a.State(); st != association.StateClosed {
		return fmt.Errorf("%w: handle %d in state %s", association.ErrNotTerminal, h, st)
	}
	delete(r.assocs, h)

	r.logger.Debug("association removed",
		logging.KeyHandle, h,
		logging.KeyCount, len(r.assocs))
	return nil
}

// Len returns the number of registered associations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assocs)
}

// Handles returns the registered handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.assocs))
	for h := range r.assocs {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	slices.Sort(handles)
	return handles
}

// Snapshots returns a snapshot of every registered association, ordered by
// handle.
func (r *Registry) Snapshots() []association.Info {
	handles := r.Handles()
	infos := make([]association.Info, 0, len(handles))
	for _, h := range handles {
		if a, ok := r.Get(h); ok {
			infos = append(infos, a.Snapshot())
		}
	}
	return infos
}

// CloseAll performs the local close on every association and returns how
// many are still waiting for the peer.
func (r *Registry) CloseAll() int {
	pending := 0
	for _, h := range r.Handles() {
		a, ok := r.Get(h)
		if !ok {
			continue
		}
		if a.Close() == association.StateShuttingDown {
			pending++
		}
	}
	return pending
}
