package ec2

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/stretchr/testify/require"
)

// fakeEC2 records every call and answers from canned values.
type fakeEC2 struct {
	mu sync.Mutex

	calls      []string
	createSG   []*ec2.CreateSecurityGroupInput
	authorize  []*ec2.AuthorizeSecurityGroupIngressInput
	createTags []*ec2.CreateTagsInput
	run        []*ec2.RunInstancesInput
	terminate  []*ec2.TerminateInstancesInput

	createSGErr  error
	authorizeErr func(*ec2.AuthorizeSecurityGroupIngressInput) error
	createTagErr error
	runErr       error
	// describeState overrides the instance state reported while running.
	describeState types.InstanceStateName

	instanceID string
	publicIP   string
}

var _ API = (*fakeEC2)(nil)

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{instanceID: "i-0123456789abcdef0", publicIP: "54.1.2.3"}
}

func (f *fakeEC2) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateSecurityGroup")
	f.createSG = append(f.createSG, in)
	if f.createSGErr != nil {
		return nil, f.createSGErr
	}
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-" + aws.ToString(in.GroupName))}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AuthorizeSecurityGroupIngress")
	f.authorize = append(f.authorize, in)
	if f.authorizeErr != nil {
		if err := f.authorizeErr(in); err != nil {
			return nil, err
		}
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateTags")
	f.createTags = append(f.createTags, in)
	if f.createTagErr != nil {
		return nil, f.createTagErr
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunInstances")
	f.run = append(f.run, in)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId: aws.String(f.instanceID),
		State:      &types.InstanceState{Name: types.InstanceStateNamePending},
	}}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeInstances")
	state := types.InstanceStateNameRunning
	if f.describeState != "" {
		state = f.describeState
	}
	if len(f.terminate) > 0 {
		state = types.InstanceStateNameTerminated
	}
	inst := types.Instance{
		InstanceId: aws.String(f.instanceID),
		State:      &types.InstanceState{Name: state},
		Tags:       []types.Tag{{Key: aws.String(tagKeyName), Value: aws.String("agent")}},
	}
	if state == types.InstanceStateNameRunning {
		inst.PublicIpAddress = aws.String(f.publicIP)
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{inst},
	}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TerminateInstances")
	f.terminate = append(f.terminate, in)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code + " (test)", Fault: smithy.FaultClient}
}

// staticKey is a KeySource with a fixed answer.
type staticKey struct {
	key string
	err error
}

func (k staticKey) PublicKey() (string, error) {
	return k.key, k.err
}

const testPublicKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIExampleExampleExampleExampleExampleExample test"

func newTestProvisioner(t *testing.T, client API, cfg Config) *Provisioner {
	t.Helper()
	if cfg.ImageID == "" {
		cfg.ImageID = "ami-05f991c49d264708f"
	}
	p, err := NewWithClient(client, cfg, staticKey{key: testPublicKey}, ssh.NewPublicKeyAuthenticator(nil))
	require.NoError(t, err)
	p.waitMinDelay = time.Millisecond
	p.waitTimeout = 5 * time.Second
	return p
}

var errBoom = fmt.Errorf("boom")
