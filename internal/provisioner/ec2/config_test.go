package ec2

import (
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Config{ImageID: "ami-1", SecurityGroups: []string{"a", "b", "a"}}
		cfg.applyDefaults()
		require.NoError(t, cfg.validate())
		assert.Equal(t, "us-west-2", cfg.Region)
		assert.Equal(t, "t3.medium", cfg.InstanceType)
		assert.Equal(t, "ubuntu", cfg.User)
		assert.Equal(t, "agent", cfg.Name)
		assert.Equal(t, []string{"a", "b"}, cfg.SecurityGroups)
	})

	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"missing-image", Config{}},
		{"half-credentials", Config{ImageID: "ami-1", AccessKey: "AKIA"}},
		{"token-without-keys", Config{ImageID: "ami-1", SessionToken: "token"}},
		{"empty-group-name", Config{ImageID: "ami-1", SecurityGroups: []string{""}}},
		{"port-out-of-range", Config{ImageID: "ami-1", InboundPorts: []int32{0}}},
		{"inverted-range", Config{ImageID: "ami-1", InboundPorts: []int32{9000, 8000}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.applyDefaults()
			assert.Error(t, tc.cfg.validate())
		})
	}

	t.Run("config-is-copied", func(t *testing.T) {
		ports := []int32{8080}
		p, err := NewWithClient(newFakeEC2(), Config{ImageID: "ami-1", InboundPorts: ports}, staticKey{}, nil)
		require.NoError(t, err)
		ports[0] = 1
		assert.Equal(t, []int32{8080}, p.Config().InboundPorts)
	})

	t.Run("requires-client-and-keys", func(t *testing.T) {
		_, err := NewWithClient(nil, Config{ImageID: "ami-1"}, staticKey{}, nil)
		assert.Error(t, err)
		_, err = NewWithClient(newFakeEC2(), Config{ImageID: "ami-1"}, nil, nil)
		assert.Error(t, err)
	})
}

func TestNewCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	retrieve := func(t *testing.T, cfg Config) (string, string, string) {
		t.Helper()
		p, err := New(t.Context(), cfg, staticKey{}, nil)
		require.NoError(t, err)
		client, ok := p.client.(*ec2.Client)
		require.True(t, ok)
		creds, err := client.Options().Credentials.Retrieve(t.Context())
		require.NoError(t, err)
		return creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken
	}

	t.Run("environment", func(t *testing.T) {
		t.Setenv("AWS_ACCESS_KEY_ID", "AKIAENV")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
		t.Setenv("AWS_SESSION_TOKEN", "env-session")

		key, secret, token := retrieve(t, Config{ImageID: "ami-1"})
		assert.Equal(t, "AKIAENV", key)
		assert.Equal(t, "env-secret", secret)
		assert.Equal(t, "env-session", token)
	})

	t.Run("static", func(t *testing.T) {
		t.Setenv("AWS_ACCESS_KEY_ID", "")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "")
		t.Setenv("AWS_SESSION_TOKEN", "")

		key, secret, token := retrieve(t, Config{
			ImageID:      "ami-1",
			AccessKey:    "AKIAFILE",
			SecretKey:    "file-secret",
			SessionToken: "file-session",
		})
		assert.Equal(t, "AKIAFILE", key)
		assert.Equal(t, "file-secret", secret)
		assert.Equal(t, "file-session", token)
	})
}
