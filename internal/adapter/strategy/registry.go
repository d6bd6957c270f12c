package strategy

import (
	"sort"

	"github.com/semmidev/backt/internal/domain"
)

// Registry is the fixed engine-to-strategy table built at startup.
type Registry struct {
	strategies map[domain.EngineKind]domain.BackupStrategy
}

func NewRegistry(strategies ...domain.BackupStrategy) *Registry {
	m := make(map[domain.EngineKind]domain.BackupStrategy, len(strategies))
	for _, s := range strategies {
		m[s.Engine()] = s
	}
	return &Registry{strategies: m}
}

// NewDefaultRegistry wires the three built-in engines to one executor and ledger.
func NewDefaultRegistry(executor domain.CommandExecutor, ledger domain.MetadataReader, cfg Config, logger Logger) *Registry {
	return NewRegistry(
		NewPostgreSQL(executor, ledger, cfg, logger),
		NewMySQL(executor, ledger, cfg, logger),
		NewMongoDB(executor, ledger, cfg, logger),
	)
}

func (r *Registry) Get(kind domain.EngineKind) (domain.BackupStrategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, &domain.UnsupportedEngineError{Engine: string(kind)}
	}
	return s, nil
}

// Engines lists the registered engines in name order.
func (r *Registry) Engines() []domain.EngineKind {
	kinds := make([]domain.EngineKind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
