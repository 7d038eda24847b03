// provisioner describes how a cloud machine for a remote test agent is
// prepared, launched and handed to its caller.
//
// A provider variant (see the 'ec2' and 'digitalocean' subpackages) implements
// 'MachineProvisioner' for its own template type and, usually, 'Launcher' to
// turn that template into a running machine. 'Provision' strings the two
// together:
//
//	BuildTemplate -> Launch -> PostStartupSetup -> wait for SSH
//
// Anything launched is torn down again if a later step fails.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Node is a running machine as reported by the provider.
type Node struct {
	// ProviderID is the provider-assigned ID (an EC2 instance ID, a droplet
	// ID, ...).
	ProviderID string
	// PublicAddresses in the order the provider reports them.
	PublicAddresses []string
	Name            string
}

// MachineProvisioner prepares templates of type T and finishes setting up the
// machines created from them.
type MachineProvisioner[T any] interface {
	// BuildTemplate prepares provider-side prerequisites (firewall rules and
	// the like) and returns a template ready to launch.
	BuildTemplate(ctx context.Context) (T, error)
	// PostStartupSetup runs once the machine created from a template is up.
	PostStartupSetup(ctx context.Context, node Node) error
	// AvailableInboundPorts lists the ports the caller may reach on the
	// machine, as configured.
	AvailableInboundPorts() []int32
	// Authenticator logs in to the machine.
	Authenticator() ssh.Authenticator
}

// Launcher creates and destroys machines from templates of type T.
type Launcher[T any] interface {
	Launch(ctx context.Context, template T) (Node, error)
	Terminate(ctx context.Context, node Node) error
}

// Provider is everything 'Provision' needs from a variant.
type Provider[T any] interface {
	MachineProvisioner[T]
	Launcher[T]
}

// Machine is a provisioned, reachable machine.
type Machine struct {
	Node          Node
	InboundPorts  []int32
	Authenticator ssh.Authenticator

	stack Stack
}

// Release tears down everything created for the machine.
func (m *Machine) Release(ctx context.Context) error {
	log := clog.FromContext(ctx).With("node", m.Node.ProviderID)
	log.Info("releasing machine")
	if err := m.stack.Destroy(ctx); err != nil {
		log.Error("encountered error(s) releasing machine", "error", err)
		return err
	}
	log.Info("machine released")
	return nil
}

// Options tunes 'Provision'.
type Options struct {
	// SSHPort is probed after startup. Defaults to 22.
	SSHPort uint16
	// SSHTimeout bounds the wait for 'SSHPort' to accept connections. Zero
	// skips the wait entirely.
	SSHTimeout time.Duration
	// PollInterval between reachability probes. Defaults to 2s.
	PollInterval time.Duration
}

var (
	ErrBuildTemplate    = fmt.Errorf("failed to build machine template")
	ErrLaunch           = fmt.Errorf("failed to launch machine")
	ErrPostStartupSetup = fmt.Errorf("failed post-startup setup")
	ErrUnreachable      = fmt.Errorf("machine did not become reachable")
	ErrNoPublicAddress  = fmt.Errorf("machine has no public address")
)

const tracerName = "github.com/chainguard-dev/agent-provisioner/internal/provisioner"

// Provision builds a template with 'p', launches it and finishes setup.
//
// On success the returned machine owns the launched node; call 'Release' to
// terminate it. On failure after launch the node is terminated before
// returning.
func Provision[T any](ctx context.Context, p Provider[T], opts Options) (_ *Machine, err error) {
	if opts.SSHPort == 0 {
		opts.SSHPort = PortSSH
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "provisioner.Provision")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := clog.FromContext(ctx)

	template, err := traced(ctx, "BuildTemplate", func(ctx context.Context) (T, error) {
		return p.BuildTemplate(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildTemplate, err)
	}

	node, err := traced(ctx, "Launch", func(ctx context.Context) (Node, error) {
		return p.Launch(ctx, template)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	span.SetAttributes(attribute.String("node.id", node.ProviderID))
	log = log.With("node", node.ProviderID)
	log.Info("machine launched", "addresses", node.PublicAddresses)

	m := &Machine{
		Node:          node,
		InboundPorts:  p.AvailableInboundPorts(),
		Authenticator: p.Authenticator(),
	}
	m.stack.Push(func(ctx context.Context) error {
		return p.Terminate(ctx, node)
	})
	defer func() {
		if err == nil {
			return
		}
		log.Warn("provisioning failed after launch, terminating machine", "error", err)
		if terr := m.stack.Destroy(context.WithoutCancel(ctx)); terr != nil {
			log.Error("failed to terminate machine, please do so manually", "error", terr)
		}
	}()

	if _, err = traced(ctx, "PostStartupSetup", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.PostStartupSetup(ctx, node)
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPostStartupSetup, err)
	}

	if opts.SSHTimeout > 0 {
		if len(node.PublicAddresses) == 0 {
			return nil, ErrNoPublicAddress
		}
		wctx, cancel := context.WithTimeout(ctx, opts.SSHTimeout)
		defer cancel()
		if err = waitTCP(wctx, node.PublicAddresses[0], opts.SSHPort, opts.PollInterval); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	log.Info("machine ready")
	return m, nil
}

func traced[R any](ctx context.Context, name string, fn func(context.Context) (R, error)) (R, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provisioner."+name, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	r, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return r, err
}
