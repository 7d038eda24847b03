package ec2

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// Template is everything needed to launch one instance.
type Template struct {
	Region       string             `yaml:"region"`
	ImageID      string             `yaml:"image_id"`
	InstanceType types.InstanceType `yaml:"instance_type"`
	Options      Options            `yaml:"options"`
}

// Options are the EC2-specific launch options of a 'Template'.
type Options struct {
	// PublicKey is authorized for 'LoginUser' at first boot.
	PublicKey      string   `yaml:"public_key"`
	SecurityGroups []string `yaml:"security_groups,omitempty"`
	InboundPorts   []int32  `yaml:"inbound_ports,omitempty"`
	LoginUser      string   `yaml:"login_user"`

	// Exactly one of these is meaningful: either an existing key pair is
	// associated with the instance, or none is and 'PublicKey' alone grants
	// access.
	KeyPair   string `yaml:"key_pair,omitempty"`
	NoKeyPair bool   `yaml:"no_key_pair,omitempty"`
}

var ErrPublicKeyRead = fmt.Errorf("failed to read public key")

// BuildTemplate prepares the configured security groups and returns a launch
// template.
func (p *Provisioner) BuildTemplate(ctx context.Context) (Template, error) {
	log := clog.FromContext(ctx).With("region", p.cfg.Region)

	for _, sg := range p.cfg.SecurityGroups {
		if err := p.ensureSecurityGroup(ctx, sg); err != nil {
			return Template{}, err
		}
	}

	t := Template{
		Region:       p.cfg.Region,
		ImageID:      p.cfg.ImageID,
		InstanceType: types.InstanceType(p.cfg.InstanceType),
	}

	pub, err := p.keys.PublicKey()
	if err != nil {
		return Template{}, fmt.Errorf("%w: %w", ErrPublicKeyRead, err)
	}

	t.Options = Options{
		PublicKey:      pub,
		SecurityGroups: slices.Clone(p.cfg.SecurityGroups),
		InboundPorts:   slices.Clone(p.cfg.InboundPorts),
		LoginUser:      p.cfg.User,
	}
	if p.cfg.KeyPairName == "" {
		t.Options.NoKeyPair = true
	} else {
		t.Options.KeyPair = p.cfg.KeyPairName
	}

	log.Info("built instance template",
		"image", t.ImageID,
		"instance_type", t.InstanceType,
		"security_groups", t.Options.SecurityGroups,
		"key_pair", t.Options.KeyPair,
	)
	return t, nil
}
