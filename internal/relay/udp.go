package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
)

// NewUDP 返回每条命令发送一个数据报并读回一个数据报的后端
func NewUDP(opts NetOptions, lc logger.LoggingClient) *Networked {
	opts = opts.withDefaults()
	return newNetworked(&udpTransport{
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}, opts, lc)
}

type udpTransport struct {
	addr string
	conn net.Conn
}

func (u *udpTransport) String() string { return "udp://" + u.addr }

func (u *udpTransport) connected() bool { return u.conn != nil }

func (u *udpTransport) connect(ctx context.Context) error {
	if u.conn != nil {
		return nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", u.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, u.addr, err)
	}
	u.conn = c
	return nil
}

func (u *udpTransport) close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *udpTransport) exchange(ctx context.Context, cmd []byte, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if _, err := u.conn.Write(cmd); err != nil {
		return "", fmt.Errorf("%w: send: %w", ErrConnection, err)
	}
	buf := make([]byte, maxResponseBytes)
	n, err := u.conn.Read(buf)
	if err != nil {
		return "", classify(err, nil)
	}
	return string(buf[:n]), nil
}
