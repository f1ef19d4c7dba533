package cat

import (
	"context"
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_antswitch_go/internal/serial"
)

const (
	readerName         = "cat-reader"
	defaultReopenDelay = 10 * time.Second
	idleWait           = 10 * time.Millisecond
)

// Liveness 接收读取循环的心跳
type Liveness interface {
	Alive(worker string)
}

// Reader 把电台串口的字节送进 Parser
type Reader struct {
	port   serial.Port
	parser *Parser
	live   Liveness
	lc     logger.LoggingClient

	// ReopenDelay 是两次（重新）打开串口之间的等待时间
	ReopenDelay time.Duration
}

// NewReader 构造读取器，live 可以为 nil
func NewReader(port serial.Port, parser *Parser, live Liveness, lc logger.LoggingClient) *Reader {
	return &Reader{
		port:        port,
		parser:      parser,
		live:        live,
		lc:          lc,
		ReopenDelay: defaultReopenDelay,
	}
}

// Run 保持串口打开并向解析器送数据，直到 ctx 取消。
// 打开失败或读取出错的串口会先关闭，等待 ReopenDelay 后重新打开
func (r *Reader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.port.Open(); err != nil {
			r.lc.Errorf("open CAT port %s: %v, retrying in %v", r.port.Name(), err, r.ReopenDelay)
			if !sleepCtx(ctx, r.ReopenDelay) {
				return nil
			}
			continue
		}
		r.lc.Infof("CAT port %s opened", r.port.Name())

		err := r.readLoop(ctx)
		if cerr := r.port.Close(); cerr != nil {
			r.lc.Debugf("close CAT port %s: %v", r.port.Name(), cerr)
		}
		if ctx.Err() != nil {
			r.lc.Infof("CAT reader stopped")
			return nil
		}
		r.lc.Warnf("CAT port %s read failed: %v, reopening in %v", r.port.Name(), err, r.ReopenDelay)
		if !sleepCtx(ctx, r.ReopenDelay) {
			return nil
		}
	}
}

func (r *Reader) readLoop(ctx context.Context) error {
	buf := make([]byte, BufSize)
	for ctx.Err() == nil {
		r.alive()
		// 上次唤醒没处理完的命令先处理，不再读串口
		if r.parser.Pending() {
			r.parser.Feed(nil)
			runtime.Gosched()
			continue
		}
		n, err := r.port.Read(buf)
		if n > 0 {
			r.parser.Feed(buf[:n])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 {
			// ReadTimeout 超时，没数据
			sleepCtx(ctx, idleWait)
		}
		runtime.Gosched()
	}
	return nil
}

func (r *Reader) alive() {
	if r.live != nil {
		r.live.Alive(readerName)
	}
}

// sleepCtx 等待 d，ctx 先结束时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
