package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/chainguard-dev/agent-provisioner/internal/config"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner/digitalocean"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner/ec2"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/chainguard-dev/clog"
)

// backend erases the template type of a 'provisioner.Provider' so commands
// can drive any variant.
type backend struct {
	name      string
	user      string
	region    string
	build     func(context.Context) (any, error)
	provision func(context.Context, provisioner.Options) (*provisioner.Machine, error)
	terminate func(context.Context, provisioner.Node) error
	// ephemeralKey is set when the key pair was generated for this run.
	ephemeralKey *ssh.ED25519KeyPair
	// tagged is set when launched machines carry the workspace tag.
	tagged  bool
	workDir string
}

func newBackend[T any](name, user, region string, p provisioner.Provider[T]) *backend {
	return &backend{
		name:   name,
		user:   user,
		region: region,
		build: func(ctx context.Context) (any, error) {
			return p.BuildTemplate(ctx)
		},
		provision: func(ctx context.Context, opts provisioner.Options) (*provisioner.Machine, error) {
			return provisioner.Provision(ctx, p, opts)
		},
		terminate: p.Terminate,
	}
}

// keyMaterial returns the configured key pair, or a freshly generated one.
func keyMaterial(ctx context.Context, cfg config.SSH) (ssh.KeySource, ssh.Authenticator, error) {
	if cfg.PrivateKey != "" {
		pair := &ssh.FileKeyPair{
			PrivatePath: cfg.PrivateKey,
			PublicPath:  cfg.PublicKey,
			Passphrase:  []byte(cfg.Passphrase),
		}
		signer, err := pair.Signer()
		if err != nil {
			return nil, nil, err
		}
		return pair, ssh.NewPublicKeyAuthenticator(signer), nil
	}

	clog.FromContext(ctx).Info("no private key configured, generating an ephemeral key pair")
	pair, err := ssh.NewED25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	signer, err := pair.Signer()
	if err != nil {
		return nil, nil, err
	}
	return pair, ssh.NewPublicKeyAuthenticator(signer), nil
}

func newBackendFromConfig(ctx context.Context, cfg *config.Config) (*backend, error) {
	keys, auth, err := keyMaterial(ctx, cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("loading SSH key material: %w", err)
	}

	var b *backend
	switch cfg.Provider {
	case config.ProviderEC2:
		p, err := ec2.New(ctx, cfg.EC2, keys, auth)
		if err != nil {
			return nil, err
		}
		effective := p.Config()
		b = newBackend[ec2.Template](cfg.Provider, effective.User, effective.Region, p)
		b.tagged, b.workDir = len(effective.SecurityGroups) > 0, effective.WorkDir
	case config.ProviderDigitalOcean:
		p, err := digitalocean.New(cfg.DigitalOcean, keys, auth)
		if err != nil {
			return nil, err
		}
		effective := p.Config()
		b = newBackend[digitalocean.Template](cfg.Provider, effective.User, effective.Region, p)
		b.tagged, b.workDir = len(effective.Firewalls) > 0, effective.WorkDir
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if pair, ok := keys.(ssh.ED25519KeyPair); ok {
		b.ephemeralKey = &pair
	}
	return b, nil
}

// authenticatorFor is the authenticator for commands that connect to machines
// they did not provision. A key generated for the machine, recorded at
// 'keyPath', takes precedence over the configured one.
func authenticatorFor(cfg config.SSH, keyPath string) (ssh.Authenticator, error) {
	pair := &ssh.FileKeyPair{PrivatePath: keyPath}
	if keyPath == "" {
		if cfg.PrivateKey == "" {
			return nil, fmt.Errorf("ssh.private_key must be configured to connect to an existing machine")
		}
		pair = &ssh.FileKeyPair{PrivatePath: cfg.PrivateKey, Passphrase: []byte(cfg.Passphrase)}
	}
	signer, err := pair.Signer()
	if err != nil {
		return nil, err
	}
	return ssh.NewPublicKeyAuthenticator(signer), nil
}

// keyDir holds the keys generated for kept machines, next to the inventory.
func keyDir(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Inventory), "keys")
}
