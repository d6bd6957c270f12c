package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/semmidev/backt/internal/domain"
)

// Factory builds a fresh, unconnected connection for one engine.
type Factory func() domain.DatabaseConnection

// Registry maps engines to connection factories. It holds no live
// connection itself; every Open hands back a caller-owned Session.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.EngineKind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.EngineKind]Factory)}
}

// NewDefaultRegistry knows the three built-in engines.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.EngineMySQL, func() domain.DatabaseConnection { return NewMySQL(nil) })
	r.Register(domain.EnginePostgreSQL, func() domain.DatabaseConnection { return NewPostgreSQL(nil) })
	r.Register(domain.EngineMongoDB, func() domain.DatabaseConnection { return NewMongoDB() })
	return r
}

func (r *Registry) Register(kind domain.EngineKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Get returns a new unconnected connection for kind.
func (r *Registry) Get(kind domain.EngineKind) (domain.DatabaseConnection, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.UnsupportedEngineError{Engine: string(kind)}
	}
	return factory(), nil
}

// Open connects to the server and returns the session that owns the connection.
func (r *Registry) Open(ctx context.Context, kind domain.EngineKind, details domain.DatabaseDetails) (*domain.Session, error) {
	conn, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx, details); err != nil {
		return nil, fmt.Errorf("open %s session: %w", kind, err)
	}
	return &domain.Session{Engine: kind, Conn: conn}, nil
}
