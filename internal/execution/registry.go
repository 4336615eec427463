package execution

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/models"
)

// Registry lazily creates one Machine per project.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine

	store     Store
	commander AgentCommander
	onChange  ChangeFunc
	defaults  Defaults
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. commander and onChange may be set later
// with SetCommander/SetOnChange, before the first Get.
func NewRegistry(store Store, defaults Defaults, logger zerolog.Logger) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// SetCommander sets the commander used by machines created afterwards.
func (r *Registry) SetCommander(c AgentCommander) {
	r.mu.Lock()
	r.commander = c
	r.mu.Unlock()
}

// SetOnChange sets the transition observer used by machines created afterwards.
func (r *Registry) SetOnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Get returns the machine for projectID, loading it on first use.
func (r *Registry) Get(projectID string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[projectID]; ok {
		return m, nil
	}
	m, err := NewMachine(projectID, r.store, r.commander, r.onChange, r.defaults, r.logger)
	if err != nil {
		return nil, err
	}
	r.machines[projectID] = m
	return m, nil
}

// States returns the current state of every loaded machine.
func (r *Registry) States() map[string]models.ExecutionState {
	r.mu.Lock()
	ms := make(map[string]*Machine, len(r.machines))
	for id, m := range r.machines {
		ms[id] = m
	}
	r.mu.Unlock()

	out := make(map[string]models.ExecutionState, len(ms))
	for id, m := range ms {
		out[id] = m.State()
	}
	return out
}
