// config loads the provisioner's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/provisioner/digitalocean"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner/ec2"
	"gopkg.in/yaml.v3"
)

const (
	ProviderEC2          = "ec2"
	ProviderDigitalOcean = "digitalocean"
)

type Config struct {
	// Provider selects the section below that is used. Default: ec2.
	Provider string `yaml:"provider"`

	SSH SSH `yaml:"ssh"`

	// Inventory is where machines kept past a 'provision' run are recorded.
	// Default: $XDG_STATE_HOME/agent-provisioner/inventory.json.
	Inventory string `yaml:"inventory"`

	EC2          ec2.Config          `yaml:"ec2"`
	DigitalOcean digitalocean.Config `yaml:"digitalocean"`
}

type SSH struct {
	// PrivateKey is the path of an OpenSSH private key. When empty a key pair
	// is generated for the run. It is discarded afterwards unless the machine
	// is kept.
	PrivateKey string `yaml:"private_key"`
	// PublicKey defaults to PrivateKey + ".pub".
	PublicKey  string `yaml:"public_key"`
	Passphrase string `yaml:"passphrase"`

	Port    uint16        `yaml:"port"`    // default: 22
	Timeout time.Duration `yaml:"timeout"` // default: 5m
}

// Env vars consulted for fields the file leaves empty. AWS credentials are
// not among them: the SDK's default chain reads them, session token included.
const (
	EnvAWSRegion        = "AWS_REGION"
	EnvDigitalOceanKey  = "DIGITALOCEAN_TOKEN"
	EnvSSHKeyPassphrase = "SSH_KEY_PASSPHRASE"
)

var ErrInvalid = errors.New("invalid configuration")

// Load reads the file at 'path', fills empty fields from the environment and
// applies defaults. An empty 'path' loads an empty file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		// #nosec G304
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setIfEmpty := func(field *string, key string) {
		if *field == "" {
			*field = getenv(key)
		}
	}
	setIfEmpty(&c.EC2.Region, EnvAWSRegion)
	setIfEmpty(&c.DigitalOcean.Token, EnvDigitalOceanKey)
	setIfEmpty(&c.SSH.Passphrase, EnvSSHKeyPassphrase)
}

func (c *Config) applyDefaults() error {
	if c.Provider == "" {
		c.Provider = ProviderEC2
	}
	c.Provider = strings.ToLower(c.Provider)
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = 5 * time.Minute
	}
	if c.Inventory == "" {
		dir, err := stateDir()
		if err != nil {
			return fmt.Errorf("failed to determine inventory location: %w", err)
		}
		c.Inventory = filepath.Join(dir, "agent-provisioner", "inventory.json")
	}
	return nil
}

// Validate checks what can be checked without a provider. Each provider
// validates its own section when it is constructed.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderEC2:
		if c.EC2.ImageID == "" {
			return fmt.Errorf("%w: ec2.image_id is required", ErrInvalid)
		}
	case ProviderDigitalOcean:
		if c.DigitalOcean.Token == "" {
			return fmt.Errorf("%w: digitalocean.token or %s is required", ErrInvalid, EnvDigitalOceanKey)
		}
		if c.DigitalOcean.Image == "" {
			return fmt.Errorf("%w: digitalocean.image is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	if c.SSH.PublicKey != "" && c.SSH.PrivateKey == "" {
		return fmt.Errorf("%w: ssh.public_key requires ssh.private_key", ErrInvalid)
	}
	if c.SSH.Timeout < 0 {
		return fmt.Errorf("%w: ssh.timeout must not be negative", ErrInvalid)
	}
	return nil
}

func stateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state"), nil
}
