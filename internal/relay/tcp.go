package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
)

const (
	reconnectAttempts = 3
	maxResponseBytes  = 512
)

// NewTCP 返回通过单条长连接 TCP 使用行协议的后端，连接开启 keep-alive
func NewTCP(opts NetOptions, lc logger.LoggingClient) *Networked {
	opts = opts.withDefaults()
	return newNetworked(&tcpTransport{
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		opts: opts,
		lc:   lc,
		dialer: net.Dialer{
			Timeout: opts.Timeout + time.Second,
			KeepAliveConfig: net.KeepAliveConfig{
				Enable:   true,
				Idle:     5 * time.Second,
				Interval: 3 * time.Second,
				Count:    3,
			},
		},
		now: time.Now,
	}, opts, lc)
}

type tcpTransport struct {
	addr   string
	opts   NetOptions
	lc     logger.LoggingClient
	dialer net.Dialer
	now    func() time.Time

	conn          net.Conn
	lastReconnect time.Time
}

func (t *tcpTransport) String() string { return "tcp://" + t.addr }

func (t *tcpTransport) connected() bool { return t.conn != nil }

// connect 按指数退避拨号。重连失败后在冷却期内不再尝试
func (t *tcpTransport) connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	now := t.now()
	if !t.lastReconnect.IsZero() && now.Sub(t.lastReconnect) < t.opts.ReconnectCooldown {
		return fmt.Errorf("%w: %s reconnect cooling down", ErrConnection, t.addr)
	}
	t.lastReconnect = now

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.ReconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = t.opts.ReconnectBase << reconnectAttempts
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := t.dialer.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			t.lc.Warnf("connect %s attempt %d/%d failed: %v", t.addr, attempt, reconnectAttempts, err)
			return err
		}
		t.conn = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, reconnectAttempts-1), ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, t.addr, err)
	}
	t.lastReconnect = time.Time{}
	return nil
}

func (t *tcpTransport) close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *tcpTransport) exchange(ctx context.Context, cmd []byte, timeout time.Duration) (string, error) {
	deadline := t.now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if _, err := t.conn.Write(cmd); err != nil {
		return "", fmt.Errorf("%w: send: %w", ErrConnection, err)
	}

	buf := make([]byte, 0, 128)
	chunk := make([]byte, 128)
	for {
		n, err := t.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if complete(buf) {
			return string(buf), nil
		}
		if err != nil {
			return "", classify(err, buf)
		}
		if len(buf) >= maxResponseBytes {
			return "", fmt.Errorf("%w: response exceeds %d bytes", ErrProtocol, maxResponseBytes)
		}
	}
}

// classify 把 socket 错误映射到继电器错误分类
func classify(err error, partial []byte) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: after %d bytes %q", ErrTimeout, len(partial), partial)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: closed by peer", ErrConnection)
	default:
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
}
