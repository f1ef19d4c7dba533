package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
)

// transport 在线路上完成一次请求/应答
type transport interface {
	connect(ctx context.Context) error
	close() error
	connected() bool
	// exchange 发送 cmd 并收集应答，直到应答完整或超时
	exchange(ctx context.Context, cmd []byte, timeout time.Duration) (string, error)
	String() string
}

// NetOptions 是网络型后端的参数
type NetOptions struct {
	Host              string
	Port              int
	Timeout           time.Duration // STATE 查询和 ping
	SetAllTimeout     time.Duration // 至少为 MinSetAllTimeout
	Retries           int           // 首次之外的重试次数
	ReconnectCooldown time.Duration
	ReconnectBase     time.Duration // 重连退避的初始间隔
}

// MinSetAllTimeout 是 SET_ALL 的最短超时，慢速板子需要这么久才应答
const MinSetAllTimeout = time.Second

func (o NetOptions) withDefaults() NetOptions {
	if o.Timeout <= 0 {
		o.Timeout = 500 * time.Millisecond
	}
	if o.SetAllTimeout < MinSetAllTimeout {
		o.SetAllTimeout = MinSetAllTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.ReconnectCooldown <= 0 {
		o.ReconnectCooldown = 5 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	return o
}

// Networked 通过 TCP 或 UDP 使用 RELAY- 行协议，同一时间只有一条命令在途
type Networked struct {
	t    transport
	opts NetOptions
	lc   logger.LoggingClient

	cmdMu sync.Mutex
}

func newNetworked(t transport, opts NetOptions, lc logger.LoggingClient) *Networked {
	return &Networked{t: t, opts: opts, lc: lc}
}

func (n *Networked) Open(ctx context.Context) error {
	n.cmdMu.Lock()
	defer n.cmdMu.Unlock()
	if n.t.connected() {
		return nil
	}
	if err := n.t.connect(ctx); err != nil {
		return err
	}
	n.lc.Infof("relay board %s connected", n.t)
	return nil
}

func (n *Networked) Close() error {
	n.cmdMu.Lock()
	defer n.cmdMu.Unlock()
	return n.t.close()
}

// Ping 发送 STATE 查询，板子能应答即视为在线
func (n *Networked) Ping(ctx context.Context) error {
	_, err := n.ReadAll(ctx)
	return err
}

func (n *Networked) WriteAll(ctx context.Context, mask uint16) (uint16, error) {
	got, err := n.command(ctx, FormatSetAll(mask), n.opts.SetAllTimeout)
	if err != nil {
		return 0, err
	}
	if got != mask {
		return got, fmt.Errorf("%w: board confirmed 0x%04X, requested 0x%04X", ErrProtocol, got, mask)
	}
	return got, nil
}

func (n *Networked) ReadAll(ctx context.Context) (uint16, error) {
	return n.command(ctx, FormatState(), n.opts.Timeout)
}

// command 执行一次交互，可重试的错误类别会自动重试。
// 传输失败时断开连接，下次尝试重新连接
func (n *Networked) command(ctx context.Context, cmd string, timeout time.Duration) (uint16, error) {
	n.cmdMu.Lock()
	defer n.cmdMu.Unlock()

	var mask uint16
	op := func() error {
		if !n.t.connected() {
			if err := n.t.connect(ctx); err != nil {
				return err
			}
		}
		resp, err := n.t.exchange(ctx, []byte(cmd+"\n"), timeout)
		if err != nil {
			if errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) {
				_ = n.t.close()
			}
			return err
		}
		m, err := ParseResponse(resp)
		if err != nil {
			return err
		}
		mask = m
		return nil
	}
	notify := func(err error, _ time.Duration) {
		n.lc.Warnf("relay command %q failed, retrying: %v", cmd, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(n.opts.Retries)), ctx)
	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
	if err != nil {
		return 0, err
	}
	n.lc.Debugf("relay %s -> 0x%04X", cmd, mask)
	return mask, nil
}

// complete 判断 buf 中是否已有完整应答
func complete(buf []byte) bool {
	s := string(buf)
	if strings.Contains(s, okMarker) {
		return true
	}
	i := strings.LastIndex(s, cmdPrefix)
	return i >= 0 && strings.ContainsRune(s[i:], '\n')
}
