package ec2

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrInstanceLaunch            = fmt.Errorf("failed to launch EC2 instance")
	ErrInstanceLaunchNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
	ErrInstanceWait      = fmt.Errorf("failed waiting for EC2 instance to run")
	ErrInstanceTerminate = fmt.Errorf("failed to terminate EC2 instance")
)

// Launch runs a single instance from 't' and waits until it is running.
//
// If the wait fails the instance is terminated before returning.
func (p *Provisioner) Launch(ctx context.Context, t Template) (provisioner.Node, error) {
	log := clog.FromContext(ctx).With("image", t.ImageID, "instance_type", t.InstanceType)

	userData, err := cloudConfig(t.Options.LoginUser, t.Options.PublicKey)
	if err != nil {
		return provisioner.Node{}, fmt.Errorf("%w: %w", ErrInstanceLaunch, err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:        aws.String(t.ImageID),
		InstanceType:   t.InstanceType,
		MinCount:       aws.Int32(1),
		MaxCount:       aws.Int32(1),
		ClientToken:    aws.String(uuid.NewString()),
		SecurityGroups: t.Options.SecurityGroups,
		UserData:       aws.String(userData),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeInstance, types.Tag{
			Key:   aws.String(tagKeyName),
			Value: aws.String(p.cfg.Name),
		}),
	}
	if !t.Options.NoKeyPair {
		input.KeyName = aws.String(t.Options.KeyPair)
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return provisioner.Node{}, fmt.Errorf("%w: %w", ErrInstanceLaunch, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return provisioner.Node{}, ErrInstanceLaunchNoInstances
	}
	id := *result.Instances[0].InstanceId
	log = log.With("instance", id)
	log.Info("launched instance")

	log.Info("waiting for instance to enter running state")
	waiter := ec2.NewInstanceRunningWaiter(p.client, func(o *ec2.InstanceRunningWaiterOptions) {
		p.waiterDelay(&o.MinDelay)
	})
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, p.waitTimeout)
	if err == nil && (len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0) {
		err = fmt.Errorf("instance %s not found in waiter output", id)
	}
	if err != nil {
		node := provisioner.Node{ProviderID: id, Name: p.cfg.Name}
		if terr := p.Terminate(context.WithoutCancel(ctx), node); terr != nil {
			log.Error("failed to terminate instance, please do so manually", "error", terr)
		}
		return provisioner.Node{}, fmt.Errorf("%w: %s: %w", ErrInstanceWait, id, err)
	}

	node := nodeFromInstance(out.Reservations[0].Instances[0])
	if node.Name == "" {
		node.Name = p.cfg.Name
	}
	log.Info("instance running", "addresses", node.PublicAddresses)
	return node, nil
}

// Terminate terminates the instance behind 'node' and waits until it is gone.
func (p *Provisioner) Terminate(ctx context.Context, node provisioner.Node) error {
	log := clog.FromContext(ctx).With("instance", node.ProviderID)
	log.Info("terminating instance")
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{node.ProviderID},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstanceTerminate, node.ProviderID, err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(p.client, func(o *ec2.InstanceTerminatedWaiterOptions) {
		p.waiterDelay(&o.MinDelay)
	})
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{node.ProviderID},
	}, p.waitTimeout); err != nil {
		log.Warn("error waiting for instance termination, continuing", "error", err)
		return nil
	}
	log.Info("instance terminated")
	return nil
}

func nodeFromInstance(inst types.Instance) provisioner.Node {
	node := provisioner.Node{ProviderID: aws.ToString(inst.InstanceId)}
	if inst.PublicIpAddress != nil {
		node.PublicAddresses = append(node.PublicAddresses, *inst.PublicIpAddress)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == tagKeyName {
			node.Name = aws.ToString(tag.Value)
		}
	}
	return node
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// cloudConfig renders base64-encoded cloud-init user data authorizing
// 'publicKey' for 'user'. The image's default user is kept.
func cloudConfig(user, publicKey string) (string, error) {
	doc := struct {
		Users []any `yaml:"users"`
	}{
		Users: []any{
			"default",
			cloudUser{
				Name:              user,
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				Shell:             "/bin/bash",
				SSHAuthorizedKeys: []string{publicKey},
			},
		},
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("rendering cloud-config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(append([]byte("#cloud-config\n"), body...)), nil
}
