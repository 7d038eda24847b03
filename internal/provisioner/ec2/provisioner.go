package ec2

import (
	"context"
	"fmt"
	"slices"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
)

// API is the subset of '*ec2.Client' the provisioner calls.
type API interface {
	CreateSecurityGroup(context.Context, *ec2.CreateSecurityGroupInput, ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(context.Context, *ec2.AuthorizeSecurityGroupIngressInput, ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

var _ API = (*ec2.Client)(nil)

var _ provisioner.Provider[Template] = (*Provisioner)(nil)

// Provisioner is the EC2 variant of 'provisioner.MachineProvisioner'.
//
// Apart from its configuration it holds no state, so a single value may serve
// any number of provisioning requests.
type Provisioner struct {
	client API
	cfg    Config
	keys   ssh.KeySource
	auth   ssh.Authenticator

	// waitMinDelay, when non-zero, overrides the SDK waiters' polling delay.
	waitMinDelay time.Duration
	waitTimeout  time.Duration
}

// New builds a provisioner with an EC2 client for 'cfg.Region'.
func New(ctx context.Context, cfg Config, keys ssh.KeySource, auth ssh.Authenticator) (*Provisioner, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(ec2.NewFromConfig(awsCfg), cfg, keys, auth)
}

// NewWithClient builds a provisioner around an existing client.
func NewWithClient(client API, cfg Config, keys ssh.KeySource, auth ssh.Authenticator) (*Provisioner, error) {
	if client == nil {
		return nil, fmt.Errorf("an EC2 client is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("a key source is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Provisioner{
		client:      client,
		cfg:         cfg,
		keys:        keys,
		auth:        auth,
		waitTimeout: 15 * time.Minute,
	}, nil
}

// AvailableInboundPorts returns the configured inbound ports.
func (p *Provisioner) AvailableInboundPorts() []int32 {
	return slices.Clone(p.cfg.InboundPorts)
}

// Authenticator returns the authenticator the provisioner was built with.
func (p *Provisioner) Authenticator() ssh.Authenticator {
	return p.auth
}

// Config returns a copy of the effective configuration, defaults applied.
func (p *Provisioner) Config() Config {
	cfg := p.cfg
	cfg.SecurityGroups = slices.Clone(p.cfg.SecurityGroups)
	cfg.InboundPorts = slices.Clone(p.cfg.InboundPorts)
	return cfg
}

func (p *Provisioner) waiterDelay(minDelay *time.Duration) {
	if p.waitMinDelay > 0 {
		*minDelay = p.waitMinDelay
	}
}
