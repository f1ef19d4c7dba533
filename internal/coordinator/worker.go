package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
)

const syncAttempts = 3

var errSuperseded = errors.New("request superseded")

// Run 打开后端，读取当前硬件状态，然后处理邮箱直到 ctx 取消。
// 返回时关闭后端
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.backend.Open(ctx); err != nil {
		c.lc.Warnf("relay backend not reachable yet: %v", err)
	} else {
		c.syncState(ctx)
	}
	defer func() {
		if err := c.backend.Close(); err != nil {
			c.lc.Warnf("relay backend close: %v", err)
		}
	}()

	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	health := time.NewTicker(c.opts.HealthInterval)
	defer health.Stop()

	c.lc.Infof("relay worker started (poll %v, cooldown %v)", c.opts.PollInterval, c.opts.Cooldown)
	for {
		select {
		case <-ctx.Done():
			c.lc.Infof("relay worker stopped")
			return nil
		case <-poll.C:
			c.alive()
			c.processOnce(ctx)
		case <-health.C:
			c.alive()
			c.checkHealth(ctx)
		}
	}
}

func (c *Coordinator) alive() {
	if c.opts.Liveness != nil {
		c.opts.Liveness.Alive(workerName)
	}
}

// processOnce 在待处理请求与上次成功的请求不同时执行它。
// 失败的请求保留在邮箱中，下次轮询重试
func (c *Coordinator) processOnce(ctx context.Context) {
	if c.forget.Swap(false) {
		c.lastProcessed = emptyRequest
	}
	req := unpack(c.mailbox.Load())
	if req == c.lastProcessed {
		return
	}
	if req.relay <= 0 {
		c.lastProcessed = req
		return
	}
	if err := c.execute(ctx, req); err != nil {
		if ctx.Err() != nil || errors.Is(err, errSuperseded) {
			return
		}
		if req != c.failedReq {
			c.lc.Errorf("switch to relay %d (band %d) failed: %v", req.relay, req.band, err)
			c.failedReq = req
		} else {
			c.lc.Debugf("switch to relay %d still failing: %v", req.relay, err)
		}
		return
	}
	c.lastProcessed = req
	c.failedReq = emptyRequest
}

func (c *Coordinator) execute(ctx context.Context, req request) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	// 等锁期间被手动覆盖清掉或被新请求替换，交给下一次轮询
	if unpack(c.mailbox.Load()) != req {
		return errSuperseded
	}

	c.mu.RLock()
	cur, sel := c.states, c.selected
	c.mu.RUnlock()

	mask := c.selectMask(cur, req.relay)
	if mask == cur {
		// 硬件已是目标状态，只更新记录
		c.mu.Lock()
		c.selected = req.relay
		if req.band >= 0 {
			c.lastForBand[req.band] = req.relay
		}
		st := Status{Selected: req.relay, States: cur, Band: req.band, At: c.lastChange}
		c.mu.Unlock()
		if sel != req.relay {
			c.notify(st)
		}
		return nil
	}

	if err := c.waitCooldown(ctx); err != nil {
		return err
	}

	start := time.Now()
	got, err := c.backend.WriteAll(ctx, mask)
	if err != nil {
		c.opts.Recorder.SwitchFailed()
		return err
	}
	st := c.commit(got, req.relay, req.band)
	c.opts.Recorder.SwitchDone(req.relay)
	c.lc.Infof("relay %d selected for band %d (states 0x%04X, %v)", req.relay, req.band, got, time.Since(start))
	c.notify(st)
	return nil
}

// syncState 启动时采用硬件当前的输出状态
func (c *Coordinator) syncState(ctx context.Context) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	c.syncLocked(ctx)
}

func (c *Coordinator) syncLocked(ctx context.Context) {
	for i := 0; i < syncAttempts; i++ {
		mask, err := c.backend.ReadAll(ctx)
		if err == nil {
			c.mu.Lock()
			c.states = mask
			c.selected = relay.Lowest(mask)
			c.mu.Unlock()
			c.synced = true
			c.lc.Infof("relay state synced: 0x%04X, selected %d", mask, relay.Lowest(mask))
			return
		}
		c.lc.Warnf("relay state sync attempt %d/%d: %v", i+1, syncAttempts, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
}

// checkHealth 检查后端连接，断开时强制重连
func (c *Coordinator) checkHealth(ctx context.Context) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	err := c.backend.Ping(ctx)
	if err == nil {
		return
	}
	c.lc.Warnf("relay backend unhealthy, reconnecting: %v", err)
	if cerr := c.backend.Close(); cerr != nil {
		c.lc.Debugf("relay backend close: %v", cerr)
	}
	if err := c.backend.Open(ctx); err != nil {
		c.opts.Recorder.Reconnected(false)
		c.lc.Errorf("relay backend reconnect failed: %v", err)
		return
	}
	c.opts.Recorder.Reconnected(true)
	c.lc.Infof("relay backend reconnected")
	if !c.synced {
		c.syncLocked(ctx)
	}
}
