// inventory records machines that outlive the command that provisioned them,
// so a later command can find and release them.
package inventory

import (
	"context"
	"fmt"
	"time"
)

var ErrNotFound = fmt.Errorf("machine not found in inventory")

type Inventory interface {
	// Add records 'm'. It returns false if a machine with the same provider
	// and ID is already recorded.
	Add(ctx context.Context, m Machine) (bool, error)
	Get(ctx context.Context, provider, id string) (Machine, error)
	List(ctx context.Context) ([]Machine, error)
	Remove(ctx context.Context, provider, id string) error
}

type Machine struct {
	Provider  string    `json:"provider" yaml:"provider"`
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Addresses []string  `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	User      string    `json:"user,omitempty" yaml:"user,omitempty"`
	Tag       string    `json:"tag,omitempty" yaml:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// KeyPath is the private key generated for the machine, when no key was
	// configured at provisioning time.
	KeyPath string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
}

func (m Machine) key() string {
	return m.Provider + "/" + m.ID
}
