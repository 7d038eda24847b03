package ec2

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLaunch(t *testing.T) {
	t.Run("without-key-pair", func(t *testing.T) {
		client := newFakeEC2()
		p := newTestProvisioner(t, client, Config{SecurityGroups: []string{"sg1"}, Name: "agent-7"})
		tmpl, err := p.BuildTemplate(t.Context())
		require.NoError(t, err)

		node, err := p.Launch(t.Context(), tmpl)
		require.NoError(t, err)
		assert.Equal(t, provisioner.Node{
			ProviderID:      "i-0123456789abcdef0",
			PublicAddresses: []string{"54.1.2.3"},
			Name:            "agent",
		}, node)

		require.Len(t, client.run, 1)
		in := client.run[0]
		assert.Nil(t, in.KeyName)
		assert.Equal(t, "ami-05f991c49d264708f", aws.ToString(in.ImageId))
		assert.Equal(t, types.InstanceTypeT3Medium, in.InstanceType)
		assert.Equal(t, []string{"sg1"}, in.SecurityGroups)
		assert.NotEmpty(t, aws.ToString(in.ClientToken))
		require.Len(t, in.TagSpecifications, 1)
		assert.Equal(t, types.ResourceTypeInstance, in.TagSpecifications[0].ResourceType)
		assert.Equal(t, tagKeyName, aws.ToString(in.TagSpecifications[0].Tags[0].Key))
		assert.Equal(t, "agent-7", aws.ToString(in.TagSpecifications[0].Tags[0].Value))
	})

	t.Run("with-key-pair", func(t *testing.T) {
		client := newFakeEC2()
		p := newTestProvisioner(t, client, Config{KeyPairName: "ci-agents"})
		tmpl, err := p.BuildTemplate(t.Context())
		require.NoError(t, err)
		_, err = p.Launch(t.Context(), tmpl)
		require.NoError(t, err)
		require.Len(t, client.run, 1)
		assert.Equal(t, "ci-agents", aws.ToString(client.run[0].KeyName))
	})

	t.Run("launch-error", func(t *testing.T) {
		client := newFakeEC2()
		client.runErr = errBoom
		p := newTestProvisioner(t, client, Config{})
		_, err := p.Launch(t.Context(), Template{ImageID: "ami-1"})
		require.ErrorIs(t, err, ErrInstanceLaunch)
		require.ErrorIs(t, err, errBoom)
		assert.Zero(t, client.count("DescribeInstances"))
	})

	t.Run("instance-never-runs", func(t *testing.T) {
		client := newFakeEC2()
		client.describeState = types.InstanceStateNameShuttingDown
		p := newTestProvisioner(t, client, Config{})
		_, err := p.Launch(t.Context(), Template{ImageID: "ami-1"})
		require.ErrorIs(t, err, ErrInstanceWait)
		// The half-launched instance is cleaned up.
		require.Len(t, client.terminate, 1)
		assert.Equal(t, []string{"i-0123456789abcdef0"}, client.terminate[0].InstanceIds)
	})
}

func TestTerminate(t *testing.T) {
	client := newFakeEC2()
	p := newTestProvisioner(t, client, Config{})
	p.waitTimeout = time.Second
	require.NoError(t, p.Terminate(t.Context(), provisioner.Node{ProviderID: "i-0123456789abcdef0"}))
	require.Len(t, client.terminate, 1)
	assert.GreaterOrEqual(t, client.count("DescribeInstances"), 1)
}

func TestCloudConfig(t *testing.T) {
	encoded, err := cloudConfig("jenkins", testPublicKey)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "#cloud-config\n"))

	var doc struct {
		Users []any `yaml:"users"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	require.Len(t, doc.Users, 2)
	assert.Equal(t, "default", doc.Users[0])
	user, ok := doc.Users[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "jenkins", user["name"])
	assert.Equal(t, []any{testPublicKey}, user["ssh_authorized_keys"])
}
