package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/snakepit-dev/snakepit/internal/paths"
)

// Manager creates instances and guarantees their release.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	live   map[string]*Instance
	closed bool
}

// NewManager validates cfg and prepares the instances directory.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := paths.EnsureDir(cfg.InstancesDir); err != nil {
		return nil, fmt.Errorf("create instances directory: %w", err)
	}
	return &Manager{
		cfg:  cfg,
		live: make(map[string]*Instance),
	}, nil
}

// New allocates an instance with a fresh identifier and reserves its
// directory. The instance is released by Close if the caller does not
// release it first.
func (m *Manager) New(ctx context.Context) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	dir := paths.InstanceDir(m.cfg.InstancesDir, id)
	// Mkdir, not MkdirAll: an existing directory means a colliding ID.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("reserve instance %s: %w", id, err)
	}

	inst := &Instance{
		ID:     id,
		Dir:    dir,
		mgr:    m,
		logger: m.cfg.Logger.With().Str("instance", id).Logger(),
	}
	m.live[id] = inst
	inst.logger.Debug().Str("dir", dir).Msg("created")
	return inst, nil
}

// Exec runs code in a new instance and releases it before returning.
func (m *Manager) Exec(ctx context.Context, code string, args ...string) (result *Result, err error) {
	inst, err := m.New(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, inst.Release())
	}()
	return inst.Run(ctx, code, args...)
}

// Live returns the unreleased instances ordered by ID.
func (m *Manager) Live() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Instance, 0, len(m.live))
	for _, inst := range m.live {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases every live instance and refuses new ones. It is safe to
// call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	// Release takes the manager lock to deregister, so not under it.
	var errs []error
	for _, inst := range m.Live() {
		if err := inst.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(inst *Instance) {
	m.mu.Lock()
	delete(m.live, inst.ID)
	m.mu.Unlock()
}
