package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/chainguard-dev/agent-provisioner/internal/log"
)

var _ Inventory = &file{}

// file keeps the inventory as a single JSON document. A missing file is an
// empty inventory.
type file struct {
	mu   sync.Mutex
	path string
}

type model struct {
	Machines map[string]Machine `json:"machines"`
}

func NewFile(path string) Inventory {
	return &file{path: path}
}

// Add implements Inventory.
func (i *file) Add(ctx context.Context, m Machine) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := i.read()
	if err != nil {
		return false, err
	}
	if _, ok := data.Machines[m.key()]; ok {
		return false, nil
	}
	data.Machines[m.key()] = m

	if err := i.write(data); err != nil {
		return false, err
	}
	log.Info(ctx, "recorded machine in inventory", "provider", m.Provider, "id", m.ID, "path", i.path)
	return true, nil
}

// Get implements Inventory.
func (i *file) Get(_ context.Context, provider, id string) (Machine, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := i.read()
	if err != nil {
		return Machine{}, err
	}
	m, ok := data.Machines[Machine{Provider: provider, ID: id}.key()]
	if !ok {
		return Machine{}, fmt.Errorf("%w: %s/%s", ErrNotFound, provider, id)
	}
	return m, nil
}

// List implements Inventory. Machines are ordered oldest first.
func (i *file) List(_ context.Context) ([]Machine, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := i.read()
	if err != nil {
		return nil, err
	}
	machines := make([]Machine, 0, len(data.Machines))
	for _, m := range data.Machines {
		machines = append(machines, m)
	}
	sort.Slice(machines, func(a, b int) bool {
		if machines[a].CreatedAt.Equal(machines[b].CreatedAt) {
			return machines[a].key() < machines[b].key()
		}
		return machines[a].CreatedAt.Before(machines[b].CreatedAt)
	})
	return machines, nil
}

// Remove implements Inventory.
func (i *file) Remove(ctx context.Context, provider, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := i.read()
	if err != nil {
		return err
	}
	key := Machine{Provider: provider, ID: id}.key()
	if _, ok := data.Machines[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(data.Machines, key)

	if err := i.write(data); err != nil {
		return err
	}
	log.Info(ctx, "removed machine from inventory", "provider", provider, "id", id)
	return nil
}

func (i *file) read() (*model, error) {
	data := &model{}
	raw, err := os.ReadFile(i.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	default:
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("failed to decode inventory %s: %w", i.path, err)
		}
	}
	if data.Machines == nil {
		data.Machines = make(map[string]Machine)
	}
	return data, nil
}

// write replaces the inventory file atomically.
func (i *file) write(data *model) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode inventory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("failed to create inventory directory: %w", err)
	}
	tmp := i.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	if err := os.Rename(tmp, i.path); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	return nil
}
