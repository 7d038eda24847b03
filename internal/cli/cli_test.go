package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/config"
	"github.com/chainguard-dev/agent-provisioner/internal/inventory"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runApp(t, &app{runID: "test-run"}, args...)
}

func runApp(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	root := a.root("test")
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	require.NoError(t, a.cleanup(context.Background()))
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, inventoryPath string) string {
	t.Helper()
	for _, key := range []string{"AWS_REGION", "DIGITALOCEAN_TOKEN"} {
		t.Setenv(key, "")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "provider: ec2\ninventory: " + inventoryPath + "\nec2:\n  image_id: ami-123\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTagCommand(t *testing.T) {
	out, _, err := run(t, "tag", "--work-dir", "/home/u/job", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, provisioner.WorkspaceTag("/home/u/job", "1.2.3.4")+"\n", out)
	assert.Len(t, strings.TrimSpace(out), 32)
}

func TestTagCommandRequiresAddress(t *testing.T) {
	_, _, err := run(t, "tag")
	assert.Error(t, err)
}

func TestUnknownLogLevel(t *testing.T) {
	_, _, err := run(t, "--log-level", "chatty", "tag", "1.2.3.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestListCommand(t *testing.T) {
	invPath := filepath.Join(t.TempDir(), "inventory.json")
	cfgPath := writeConfig(t, invPath)

	out, _, err := run(t, "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = inventory.NewFile(invPath).Add(context.Background(), inventory.Machine{
		Provider:  "ec2",
		ID:        "i-0123",
		Addresses: []string{"203.0.113.7"},
		User:      "ubuntu",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	out, _, err = run(t, "list", "-c", cfgPath)
	require.NoError(t, err)
	var machines []inventory.Machine
	require.NoError(t, yaml.Unmarshal([]byte(out), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "i-0123", machines[0].ID)
	assert.Equal(t, []string{"203.0.113.7"}, machines[0].Addresses)
}

func TestReleaseArguments(t *testing.T) {
	invPath := filepath.Join(t.TempDir(), "inventory.json")
	cfgPath := writeConfig(t, invPath)

	_, _, err := run(t, "release", "-c", cfgPath)
	assert.ErrorContains(t, err, "either machines to release or --all")

	_, _, err = run(t, "release", "-c", cfgPath, "--all", "ec2/i-1")
	assert.ErrorContains(t, err, "either machines to release or --all")

	_, _, err = run(t, "release", "-c", cfgPath, "i-1")
	assert.ErrorContains(t, err, "PROVIDER/ID")

	_, _, err = run(t, "release", "-c", cfgPath, "digitalocean/42")
	assert.ErrorContains(t, err, "belongs to provider digitalocean")

	_, _, err = run(t, "release", "-c", cfgPath, "ec2/i-1")
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	out, _, err := run(t, "release", "-c", cfgPath, "--all")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExecRequiresPrivateKey(t *testing.T) {
	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "inventory.json"))
	_, _, err := run(t, "exec", "-c", cfgPath, "203.0.113.7", "--", "true")
	assert.ErrorContains(t, err, "ssh.private_key")
}

func TestRunLogsWrittenToLogDir(t *testing.T) {
	dir := t.TempDir()
	_, _, err := run(t, "--log-dir", dir, "tag", "1.2.3.4")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "test-run", "tag.log"))
	assert.NoError(t, err)
}

type fakeTemplate struct{}

// fakeProvider launches 'node' and records what it terminates.
type fakeProvider struct {
	node provisioner.Node
	// failTerminate lists IDs whose termination fails.
	failTerminate []string

	mu         sync.Mutex
	terminated []string
}

func (f *fakeProvider) BuildTemplate(context.Context) (fakeTemplate, error) {
	return fakeTemplate{}, nil
}

func (f *fakeProvider) PostStartupSetup(context.Context, provisioner.Node) error { return nil }

func (f *fakeProvider) AvailableInboundPorts() []int32 { return nil }

func (f *fakeProvider) Authenticator() ssh.Authenticator {
	return ssh.NewPublicKeyAuthenticator(nil)
}

func (f *fakeProvider) Launch(context.Context, fakeTemplate) (provisioner.Node, error) {
	return f.node, nil
}

func (f *fakeProvider) Terminate(_ context.Context, node provisioner.Node) error {
	if slices.Contains(f.failTerminate, node.ProviderID) {
		return fmt.Errorf("terminate %s: boom", node.ProviderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, node.ProviderID)
	return nil
}

func (f *fakeProvider) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(slices.Values(f.terminated))
}

// fakeApp drives 'p' in place of a cloud provider, as if no private key
// were configured.
func fakeApp(t *testing.T, p *fakeProvider) *app {
	t.Helper()
	pair, err := ssh.NewED25519KeyPair()
	require.NoError(t, err)
	return &app{
		runID: "test-run",
		backendFor: func(_ context.Context, cfg *config.Config) (*backend, error) {
			b := newBackend[fakeTemplate](cfg.Provider, "ubuntu", "us-west-2", p)
			b.ephemeralKey = &pair
			return b, nil
		},
	}
}

func TestProvisionKeepRecordsBeforeRunning(t *testing.T) {
	invPath := filepath.Join(t.TempDir(), "inventory.json")
	cfgPath := writeConfig(t, invPath)
	// No address, so --run fails after provisioning succeeded.
	p := &fakeProvider{node: provisioner.Node{ProviderID: "i-0123", Name: "agent"}}

	_, _, err := runApp(t, fakeApp(t, p), "provision", "-c", cfgPath, "--ssh-timeout", "0", "--keep", "--run", "true")
	require.ErrorIs(t, err, provisioner.ErrNoPublicAddress)
	assert.Empty(t, p.terminatedIDs())

	m, err := inventory.NewFile(invPath).Get(context.Background(), "ec2", "i-0123")
	require.NoError(t, err)
	assert.Equal(t, "agent", m.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(invPath), "keys", "ec2-i-0123"), m.KeyPath)

	// The saved key is what 'exec' logs in with.
	_, err = authenticatorFor(config.SSH{}, m.KeyPath)
	assert.NoError(t, err)
}

func TestProvisionWithoutKeepReleases(t *testing.T) {
	invPath := filepath.Join(t.TempDir(), "inventory.json")
	cfgPath := writeConfig(t, invPath)
	p := &fakeProvider{node: provisioner.Node{ProviderID: "i-0123"}}

	_, _, err := runApp(t, fakeApp(t, p), "provision", "-c", cfgPath, "--ssh-timeout", "0", "--run", "true")
	require.ErrorIs(t, err, provisioner.ErrNoPublicAddress)
	assert.Equal(t, []string{"i-0123"}, p.terminatedIDs())

	machines, err := inventory.NewFile(invPath).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, machines)
}

func TestProvisionKeepReleasesWhenUnrecordable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfgPath := writeConfig(t, filepath.Join(blocker, "inventory.json"))
	p := &fakeProvider{node: provisioner.Node{ProviderID: "i-0123"}}

	out, _, err := runApp(t, fakeApp(t, p), "provision", "-c", cfgPath, "--ssh-timeout", "0", "--keep")
	require.Error(t, err)
	assert.Equal(t, []string{"i-0123"}, p.terminatedIDs())
	assert.Empty(t, out)
}

func TestReleaseAll(t *testing.T) {
	dir := t.TempDir()
	invPath := filepath.Join(dir, "inventory.json")
	cfgPath := writeConfig(t, invPath)
	inv := inventory.NewFile(invPath)
	ctx := context.Background()

	keyPath := filepath.Join(dir, "keys", "ec2-i-2")
	pair, err := ssh.NewED25519KeyPair()
	require.NoError(t, err)
	require.NoError(t, pair.WriteFiles(keyPath, "ec2/i-2"))

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []inventory.Machine{
		{Provider: "ec2", ID: "i-1", CreatedAt: created},
		{Provider: "ec2", ID: "i-2", CreatedAt: created, KeyPath: keyPath},
		{Provider: "ec2", ID: "i-3", CreatedAt: created},
		{Provider: "ec2", ID: "i-bad", CreatedAt: created},
		{Provider: "digitalocean", ID: "42", CreatedAt: created},
	} {
		_, err := inv.Add(ctx, m)
		require.NoError(t, err)
	}

	p := &fakeProvider{failTerminate: []string{"i-bad"}}
	out, _, err := runApp(t, fakeApp(t, p), "release", "-c", cfgPath, "--all")
	require.ErrorContains(t, err, "ec2/i-bad")
	assert.Equal(t, []string{"i-1", "i-2", "i-3"}, p.terminatedIDs())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	slices.Sort(lines)
	assert.Equal(t, []string{"released ec2/i-1", "released ec2/i-2", "released ec2/i-3"}, lines)

	left, err := inv.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, m := range left {
		ids = append(ids, m.Provider+"/"+m.ID)
	}
	assert.ElementsMatch(t, []string{"ec2/i-bad", "digitalocean/42"}, ids)

	_, err = os.Stat(keyPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(keyPath + ".pub")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
