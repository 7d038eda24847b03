package provisioner

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

const PortSSH = 22

var dialer = &net.Dialer{
	Timeout: 3 * time.Second,
}

// waitTCP polls until 'host' accepts TCP connections on 'port'.
//
// The only error it returns is the context's.
func waitTCP(ctx context.Context, host string, port uint16, every time.Duration) error {
	log := clog.FromContext(ctx).With("host", host, "port", port)
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if tcpPortOpen(ctx, target) {
			log.Debug("machine is reachable")
			return nil
		}
		select {
		case <-ctx.Done():
			log.Debug("gave up waiting for machine to become reachable")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func tcpPortOpen(ctx context.Context, target string) bool {
	log := clog.FromContext(ctx).With("target", target)
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("target is not yet reachable", "error", err)
		return false
	}
	if err := conn.Close(); err != nil {
		log.Warn("encountered error closing TCP connection", "error", err)
	}
	return true
}
