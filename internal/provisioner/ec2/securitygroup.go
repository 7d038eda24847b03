package ec2

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/clog"
)

var (
	ErrSecurityGroupCreate = fmt.Errorf("failed to create security group")
	ErrIngressAuthorize    = fmt.Errorf("failed to authorize security group ingress")
)

const cidrAnywhere = "0.0.0.0/0"

// stateConflictCodes are EC2 error codes meaning the requested state, or
// something incompatible with creating it right now, already exists. Shared
// security groups hit these on every run after the first.
var stateConflictCodes = []string{
	"InvalidGroup.Duplicate",
	"InvalidPermission.Duplicate",
	"IncorrectState",
	"IncorrectInstanceState",
}

// isStateConflict reports whether 'err' is an EC2 state conflict.
func isStateConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return slices.Contains(stateConflictCodes, apiErr.ErrorCode())
}

// tolerateConflict drops state-conflict errors after logging them and returns
// every other error as is.
func tolerateConflict(ctx context.Context, err error, msg string, args ...any) error {
	if err == nil || !isStateConflict(err) {
		return err
	}
	clog.FromContext(ctx).With(args...).Warn(msg, "error", err)
	return nil
}

// ensureSecurityGroup creates the named group if needed and opens the
// configured inbound range plus SSH on it.
//
// Every step runs regardless of whether the previous one hit a conflict: a
// group that already exists may still be missing a rule.
func (p *Provisioner) ensureSecurityGroup(ctx context.Context, name string) error {
	log := clog.FromContext(ctx).With("security_group", name)

	_, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(name),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeSecurityGroup),
	})
	if err == nil {
		log.Info("created security group")
	} else if err := tolerateConflict(ctx, err, "security group not created, reusing it", "security_group", name); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSecurityGroupCreate, name, err)
	}

	if n := len(p.cfg.InboundPorts); n > 0 {
		if err := p.authorizeIngress(ctx, name, p.cfg.InboundPorts[0], p.cfg.InboundPorts[n-1]); err != nil {
			return err
		}
	}
	// SSH is always needed, even when the range above already covers it.
	return p.authorizeIngress(ctx, name, provisioner.PortSSH, provisioner.PortSSH)
}

func (p *Provisioner) authorizeIngress(ctx context.Context, group string, from, to int32) error {
	_, err := p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupName:  aws.String(group),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(from),
		ToPort:     aws.Int32(to),
		CidrIp:     aws.String(cidrAnywhere),
	})
	args := []any{"security_group", group, "from", from, "to", to}
	if err == nil {
		clog.FromContext(ctx).With(args...).Info("authorized ingress")
		return nil
	}
	if err := tolerateConflict(ctx, err, "ingress not authorized, keeping existing rule", args...); err != nil {
		return fmt.Errorf("%w: %s %d-%d: %w", ErrIngressAuthorize, group, from, to, err)
	}
	return nil
}
