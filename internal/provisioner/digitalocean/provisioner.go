// digitalocean provisions droplets to host remote test agents.
//
// It mirrors the EC2 variant: firewalls stand in for security groups, the
// public key is registered with the account instead of being passed as user
// data, and the workspace tag is a DigitalOcean tag.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/chainguard-dev/clog"
	"github.com/digitalocean/godo"
)

type (
	dropletsAPI interface {
		Create(context.Context, *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error)
		Get(context.Context, int) (*godo.Droplet, *godo.Response, error)
		Delete(context.Context, int) (*godo.Response, error)
	}
	tagsAPI interface {
		Create(context.Context, *godo.TagCreateRequest) (*godo.Tag, *godo.Response, error)
		TagResources(context.Context, string, *godo.TagResourcesRequest) (*godo.Response, error)
	}
	firewallsAPI interface {
		List(context.Context, *godo.ListOptions) ([]godo.Firewall, *godo.Response, error)
		Create(context.Context, *godo.FirewallRequest) (*godo.Firewall, *godo.Response, error)
		AddRules(context.Context, string, *godo.FirewallRulesRequest) (*godo.Response, error)
	}
	keysAPI interface {
		Create(context.Context, *godo.KeyCreateRequest) (*godo.Key, *godo.Response, error)
		GetByFingerprint(context.Context, string) (*godo.Key, *godo.Response, error)
	}
)

// Services are the godo services the provisioner calls.
type Services struct {
	Droplets  dropletsAPI
	Tags      tagsAPI
	Firewalls firewallsAPI
	Keys      keysAPI
}

var _ provisioner.Provider[Template] = (*Provisioner)(nil)

// Provisioner is the DigitalOcean variant of 'provisioner.MachineProvisioner'.
type Provisioner struct {
	svc  Services
	cfg  Config
	keys ssh.KeySource
	auth ssh.Authenticator

	pollInterval time.Duration
	waitTimeout  time.Duration
}

// New builds a provisioner authenticated with 'cfg.Token'.
func New(cfg Config, keys ssh.KeySource, auth ssh.Authenticator) (*Provisioner, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	client := godo.NewFromToken(cfg.Token)
	return NewWithServices(Services{
		Droplets:  client.Droplets,
		Tags:      client.Tags,
		Firewalls: client.Firewalls,
		Keys:      client.Keys,
	}, cfg, keys, auth)
}

func NewWithServices(svc Services, cfg Config, keys ssh.KeySource, auth ssh.Authenticator) (*Provisioner, error) {
	if svc.Droplets == nil || svc.Tags == nil || svc.Firewalls == nil || svc.Keys == nil {
		return nil, fmt.Errorf("all godo services are required")
	}
	if keys == nil {
		return nil, fmt.Errorf("a key source is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Provisioner{
		svc:          svc,
		cfg:          cfg,
		keys:         keys,
		auth:         auth,
		pollInterval: 5 * time.Second,
		waitTimeout:  10 * time.Minute,
	}, nil
}

func (p *Provisioner) AvailableInboundPorts() []int32 {
	return slices.Clone(p.cfg.InboundPorts)
}

func (p *Provisioner) Authenticator() ssh.Authenticator {
	return p.auth
}

// Config returns a copy of the effective configuration, defaults applied.
func (p *Provisioner) Config() Config {
	cfg := p.cfg
	cfg.Firewalls = slices.Clone(p.cfg.Firewalls)
	cfg.InboundPorts = slices.Clone(p.cfg.InboundPorts)
	return cfg
}

// isStateConflict reports whether the API refused a request because of
// existing state: 409 Conflict or 422 Unprocessable Entity.
func isStateConflict(err error) bool {
	var errResp *godo.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return false
	}
	switch errResp.Response.StatusCode {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func tolerateConflict(ctx context.Context, err error, msg string, args ...any) error {
	if err == nil || !isStateConflict(err) {
		return err
	}
	clog.FromContext(ctx).With(args...).Warn(msg, "error", err)
	return nil
}
