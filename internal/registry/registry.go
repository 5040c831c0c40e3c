// Package registry scopes template operations to the active user and
// storage path and maintains the authenticator id of each enrolled set.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/face"
)

// Store persists templates and authenticator ids per scope.
type Store interface {
	ListTemplates(ctx context.Context, scope face.Scope) ([]uint32, error)
	AddTemplate(ctx context.Context, scope face.Scope, fid uint32) error
	RemoveTemplate(ctx context.Context, scope face.Scope, fid uint32) error
	// LoadAuthenticatorID returns 0 when no id has been saved.
	LoadAuthenticatorID(ctx context.Context, scope face.Scope) (uint64, error)
	SaveAuthenticatorID(ctx context.Context, scope face.Scope, id uint64) error
}

type Registry struct {
	mu     sync.Mutex
	store  Store
	active *face.Scope
	rand   io.Reader
	logger *zap.Logger
}

type Option func(*Registry)

// WithRand replaces the source of authenticator ids.
func WithRand(r io.Reader) Option {
	return func(reg *Registry) { reg.rand = r }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{store: store, rand: rand.Reader, logger: logger.Named("registry")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActive scopes subsequent operations to userID and storePath. The path
// must be absolute and clean.
func (r *Registry) SetActive(userID int32, storePath string) (face.Scope, error) {
	if storePath == "" || !filepath.IsAbs(storePath) || filepath.Clean(storePath) != storePath {
		return face.Scope{}, fmt.Errorf("%w: store path %q must be absolute and clean", face.ErrIllegalArgument, storePath)
	}
	scope := face.Scope{UserID: userID, StorePath: storePath}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = &scope
	r.logger.Info("active group changed", zap.Stringer("scope", scope))
	return scope, nil
}

// Active returns the current scope.
func (r *Registry) Active() (face.Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return face.Scope{}, false
	}
	return *r.active, true
}

// Templates lists the fids in the active scope in ascending order.
func (r *Registry) Templates(ctx context.Context) ([]uint32, error) {
	scope, err := r.scope()
	if err != nil {
		return nil, err
	}
	fids, err := r.store.ListTemplates(ctx, scope)
	if err != nil {
		return nil, err
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids, nil
}

// Has reports whether fid is enrolled in the active scope.
func (r *Registry) Has(ctx context.Context, fid uint32) (bool, error) {
	fids, err := r.Templates(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range fids {
		if f == fid {
			return true, nil
		}
	}
	return false, nil
}

// Add records a newly enrolled template and rotates the authenticator id.
func (r *Registry) Add(ctx context.Context, fid uint32) error {
	scope, err := r.scope()
	if err != nil {
		return err
	}
	if err := r.store.AddTemplate(ctx, scope, fid); err != nil {
		return err
	}
	return r.rotate(ctx, scope)
}

// Remove forgets a template and rotates the authenticator id.
func (r *Registry) Remove(ctx context.Context, fid uint32) error {
	scope, err := r.scope()
	if err != nil {
		return err
	}
	if err := r.store.RemoveTemplate(ctx, scope, fid); err != nil {
		return err
	}
	return r.rotate(ctx, scope)
}

// AuthenticatorID is 0 for an empty set, otherwise a random non-zero value
// that changes on every add or remove.
func (r *Registry) AuthenticatorID(ctx context.Context) (uint64, error) {
	scope, err := r.scope()
	if err != nil {
		return 0, err
	}
	fids, err := r.store.ListTemplates(ctx, scope)
	if err != nil {
		return 0, err
	}
	if len(fids) == 0 {
		return 0, nil
	}
	id, err := r.store.LoadAuthenticatorID(ctx, scope)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	// templates present from before ids were tracked
	if err := r.rotate(ctx, scope); err != nil {
		return 0, err
	}
	return r.store.LoadAuthenticatorID(ctx, scope)
}

func (r *Registry) scope() (face.Scope, error) {
	scope, ok := r.Active()
	if !ok {
		return face.Scope{}, face.ErrNoActiveGroup
	}
	return scope, nil
}

func (r *Registry) rotate(ctx context.Context, scope face.Scope) error {
	fids, err := r.store.ListTemplates(ctx, scope)
	if err != nil {
		return err
	}
	var id uint64
	if len(fids) > 0 {
		if id, err = r.randomID(); err != nil {
			return err
		}
	}
	if err := r.store.SaveAuthenticatorID(ctx, scope, id); err != nil {
		return err
	}
	r.logger.Debug("authenticator id rotated", zap.Stringer("scope", scope), zap.Int("templates", len(fids)))
	return nil
}

func (r *Registry) randomID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r.rand, buf[:]); err != nil {
			return 0, fmt.Errorf("registry: read random: %w", err)
		}
		// stored as a signed column, keep it positive
		if id := binary.LittleEndian.Uint64(buf[:]) >> 1; id != 0 {
			return id, nil
		}
	}
}

// MemoryStore keeps templates in process.
type MemoryStore struct {
	mu        sync.Mutex
	templates map[face.Scope]map[uint32]struct{}
	ids       map[face.Scope]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: map[face.Scope]map[uint32]struct{}{},
		ids:       map[face.Scope]uint64{},
	}
}

func (m *MemoryStore) ListTemplates(_ context.Context, scope face.Scope) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fids := make([]uint32, 0, len(m.templates[scope]))
	for fid := range m.templates[scope] {
		fids = append(fids, fid)
	}
	return fids, nil
}

func (m *MemoryStore) AddTemplate(_ context.Context, scope face.Scope, fid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.templates[scope]
	if !ok {
		set = map[uint32]struct{}{}
		m.templates[scope] = set
	}
	set[fid] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveTemplate(_ context.Context, scope face.Scope, fid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates[scope], fid)
	return nil
}

func (m *MemoryStore) LoadAuthenticatorID(_ context.Context, scope face.Scope) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[scope], nil
}

func (m *MemoryStore) SaveAuthenticatorID(_ context.Context, scope face.Scope, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[scope] = id
	return nil
}
