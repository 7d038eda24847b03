package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDefaultTimeout = 3 * time.Second

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrNoSigner        = fmt.Errorf("authenticator has no signer")
)

// Authenticator produces the client configuration used to log in to a
// provisioned machine. Provisioners hold one and return it unchanged to their
// caller.
type Authenticator interface {
	ClientConfig(user string) (*ssh.ClientConfig, error)
}

var _ Authenticator = (*PublicKeyAuthenticator)(nil)

// PublicKeyAuthenticator authenticates with a single private key.
//
// If no host keys are pinned, every host key is accepted. Freshly launched
// instances have no known host key, so this is the common case.
type PublicKeyAuthenticator struct {
	signer   ssh.Signer
	hostKeys []ssh.PublicKey
}

func NewPublicKeyAuthenticator(signer ssh.Signer, hostKeys ...ssh.PublicKey) *PublicKeyAuthenticator {
	return &PublicKeyAuthenticator{signer: signer, hostKeys: hostKeys}
}

func (a *PublicKeyAuthenticator) ClientConfig(user string) (*ssh.ClientConfig, error) {
	if a.signer == nil {
		return nil, ErrNoSigner
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(a.signer)},
		HostKeyCallback: a.checkHostKey,
		Timeout:         sshDefaultTimeout,
	}, nil
}

func (a *PublicKeyAuthenticator) checkHostKey(_ string, _ net.Addr, key ssh.PublicKey) error {
	if len(a.hostKeys) == 0 {
		return nil
	}
	for _, hostKey := range a.hostKeys {
		if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
			return nil
		}
	}
	return ErrHostKeyInvalid
}

// Connect dials 'host' on 'port' (22 when zero) and logs in as 'user'.
//
// 'host' may be a hostname, an IPv4 or an IPv6 address; an empty string means
// the IPv4 loopback.
func Connect(ctx context.Context, host string, port uint16, user string, auth Authenticator) (*ssh.Client, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 22
	}
	config, err := auth.ClientConfig(user)
	if err != nil {
		return nil, err
	}
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// joinHostPort resolves 'host' if it is a hostname and joins the first address
// with 'port' in the address-family-specific format.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	addr := net.ParseIP(host)
	if addr == nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		addr = net.ParseIP(addrs[0])
		if addr == nil {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), nil
}

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
)

// Exec runs a single command, returning whatever arrived on stdout and stderr.
func Exec(client *ssh.Client, cmd string) (string, string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	stderr := new(bytes.Buffer)
	session.Stderr = stderr
	if err = session.Run(cmd); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	return stdout.String(), stderr.String(), nil
}
