package digitalocean

import (
	"fmt"
	"slices"
)

// Config configures the DigitalOcean provisioner.
type Config struct {
	Token string `yaml:"token"`

	Region string `yaml:"region"` // default: nyc3
	Image  string `yaml:"image"`  // required, an image slug
	Size   string `yaml:"size"`   // default: s-1vcpu-1gb

	// Firewalls play the part of security groups: each is created on demand
	// and applied to droplets through a tag of the same name.
	Firewalls    []string `yaml:"firewalls"`
	InboundPorts []int32  `yaml:"inbound_ports"`

	User string `yaml:"user"` // default: root
	// SSHKeyFingerprint selects a key already registered with the account.
	// When empty the public key is registered (or looked up) instead.
	SSHKeyFingerprint string `yaml:"ssh_key_fingerprint"`

	Name    string `yaml:"name"` // default: agent
	WorkDir string `yaml:"work_dir"`
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "nyc3"
	}
	if c.Size == "" {
		c.Size = "s-1vcpu-1gb"
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.Name == "" {
		c.Name = "agent"
	}
	firewalls := make([]string, 0, len(c.Firewalls))
	for _, fw := range c.Firewalls {
		if !slices.Contains(firewalls, fw) {
			firewalls = append(firewalls, fw)
		}
	}
	c.Firewalls = firewalls
	c.InboundPorts = slices.Clone(c.InboundPorts)
}

func (c *Config) validate() error {
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	for _, fw := range c.Firewalls {
		if fw == "" {
			return fmt.Errorf("firewalls must not contain empty names")
		}
	}
	for _, port := range c.InboundPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("inbound port %d is out of range", port)
		}
	}
	if n := len(c.InboundPorts); n > 1 && c.InboundPorts[0] > c.InboundPorts[n-1] {
		return fmt.Errorf("inbound port range %d-%d is inverted", c.InboundPorts[0], c.InboundPorts[n-1])
	}
	return nil
}
