package digitalocean

import (
	"context"
	"fmt"
	"slices"

	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/chainguard-dev/clog"
	"github.com/digitalocean/godo"
)

// Template is a droplet request plus the login details that go with it.
type Template struct {
	Request      godo.DropletCreateRequest `yaml:"request"`
	Firewalls    []string                  `yaml:"firewalls,omitempty"`
	InboundPorts []int32                   `yaml:"inbound_ports,omitempty"`
	LoginUser    string                    `yaml:"login_user"`
}

var (
	ErrPublicKeyRead = fmt.Errorf("failed to read public key")
	ErrKeyRegister   = fmt.Errorf("failed to register public key")
)

// BuildTemplate prepares the configured firewalls, registers the public key
// and returns a droplet template.
func (p *Provisioner) BuildTemplate(ctx context.Context) (Template, error) {
	log := clog.FromContext(ctx).With("region", p.cfg.Region)

	if len(p.cfg.Firewalls) > 0 {
		existing, err := p.firewallsByName(ctx)
		if err != nil {
			return Template{}, err
		}
		for _, fw := range p.cfg.Firewalls {
			if err := p.ensureFirewall(ctx, existing, fw); err != nil {
				return Template{}, err
			}
		}
	}

	pub, err := p.keys.PublicKey()
	if err != nil {
		return Template{}, fmt.Errorf("%w: %w", ErrPublicKeyRead, err)
	}
	key, err := p.sshKey(ctx, pub)
	if err != nil {
		return Template{}, err
	}

	t := Template{
		Request: godo.DropletCreateRequest{
			Name:    p.cfg.Name,
			Region:  p.cfg.Region,
			Size:    p.cfg.Size,
			Image:   godo.DropletCreateImage{Slug: p.cfg.Image},
			SSHKeys: []godo.DropletCreateSSHKey{key},
			Tags:    slices.Clone(p.cfg.Firewalls),
		},
		Firewalls:    slices.Clone(p.cfg.Firewalls),
		InboundPorts: slices.Clone(p.cfg.InboundPorts),
		LoginUser:    p.cfg.User,
	}
	log.Info("built droplet template", "image", p.cfg.Image, "size", p.cfg.Size, "firewalls", t.Firewalls)
	return t, nil
}

// sshKey resolves the key the droplet is created with: the configured
// fingerprint if any, otherwise 'pub', registered if the account lacks it.
func (p *Provisioner) sshKey(ctx context.Context, pub string) (godo.DropletCreateSSHKey, error) {
	if p.cfg.SSHKeyFingerprint != "" {
		return godo.DropletCreateSSHKey{Fingerprint: p.cfg.SSHKeyFingerprint}, nil
	}
	fingerprint, err := ssh.FingerprintMD5(pub)
	if err != nil {
		return godo.DropletCreateSSHKey{}, fmt.Errorf("%w: %w", ErrKeyRegister, err)
	}
	key, _, err := p.svc.Keys.Create(ctx, &godo.KeyCreateRequest{
		Name:      p.cfg.Name + "-" + fingerprint,
		PublicKey: pub,
	})
	if err == nil {
		clog.FromContext(ctx).Info("registered public key", "id", key.ID, "fingerprint", fingerprint)
		return godo.DropletCreateSSHKey{ID: key.ID, Fingerprint: fingerprint}, nil
	}
	if !isStateConflict(err) {
		return godo.DropletCreateSSHKey{}, fmt.Errorf("%w: %w", ErrKeyRegister, err)
	}
	key, _, err = p.svc.Keys.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return godo.DropletCreateSSHKey{}, fmt.Errorf("%w: %w", ErrKeyRegister, err)
	}
	return godo.DropletCreateSSHKey{ID: key.ID, Fingerprint: fingerprint}, nil
}
