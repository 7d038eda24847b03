package ec2

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/clog"
)

const (
	// 'Name' is well-known within AWS itself.
	tagKeyName    = "Name"
	tagKeyProject = "Project"

	tagDefaultProject = "agent-provisioner::ec2"
)

// tagSpecificationWithDefaults appends the default tags to 'withTags' for
// resources of type 'rt'.
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{{
		ResourceType: rt,
		Tags: append(withTags, types.Tag{
			Key:   aws.String(tagKeyProject),
			Value: aws.String(tagDefaultProject),
		}),
	}}
}

var (
	ErrTagCreate = fmt.Errorf("failed to tag instance")
	ErrWorkDir   = fmt.Errorf("failed to determine working directory")
)

// PostStartupSetup tags 'node' with the workspace tag. Without configured
// security groups there is nothing to do.
func (p *Provisioner) PostStartupSetup(ctx context.Context, node provisioner.Node) error {
	log := clog.FromContext(ctx).With("instance", node.ProviderID)
	if len(p.cfg.SecurityGroups) == 0 {
		log.Debug("no security groups configured, skipping workspace tag")
		return nil
	}

	workDir := p.cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWorkDir, err)
		}
		workDir = wd
	}

	tag := provisioner.WorkspaceTag(workDir, node.PublicAddresses...)
	_, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{node.ProviderID},
		Tags: []types.Tag{{
			Key:   aws.String(tag),
			Value: aws.String(""),
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTagCreate, node.ProviderID, err)
	}
	log.Info("tagged instance", "tag", tag, "work_dir", workDir)
	return nil
}
