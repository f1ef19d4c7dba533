// Package coordinator 持有继电器选择状态，所有物理切换都经由同一个 worker 串行执行。
//
// 请求写入单槽邮箱：新请求覆盖未处理的旧请求，所以旋过一个波段时
// 只在电台停稳后才切换。worker 轮询邮箱，保证两次切换之间的冷却时间，
// 并负责维持后端连接。
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
)

// NoBand 表示与波段无关的请求，例如手动切换
const NoBand = -1

const workerName = "relay-worker"

// Status 是推送给订阅者的已确认继电器状态
type Status struct {
	Selected int       // 1-based, 0 = none
	States   uint16    // 第 i 位表示 i+1 号继电器吸合
	Band     int       // 变化所属波段，手动切换为 NoBand
	At       time.Time // 确认变化的时间
}

// Liveness 接收长期运行循环的心跳
type Liveness interface {
	Alive(worker string)
}

// Recorder 统计协调器事件
type Recorder interface {
	SwitchDone(relayID int)
	SwitchFailed()
	Coalesced()
	Reconnected(ok bool)
}

// Options 调整协调器参数，零值时长使用默认值
type Options struct {
	PollInterval   time.Duration
	Cooldown       time.Duration
	HealthInterval time.Duration
	// Independent 为 true 时选择继电器不影响其他继电器，
	// 默认选择一个继电器会关闭其余所有继电器
	Independent bool
	Liveness    Liveness
	Recorder    Recorder
}

// OptionsFromConfig 转换 YAML 中的 coordinator 段
func OptionsFromConfig(c config.CoordinatorConfig) Options {
	return Options{
		PollInterval:   time.Duration(c.PollIntervalMs) * time.Millisecond,
		Cooldown:       time.Duration(c.CooldownMs) * time.Millisecond,
		HealthInterval: time.Duration(c.HealthCheckMs) * time.Millisecond,
		Independent:    !c.IsExclusive(),
	}
}

type request struct {
	relay int
	band  int
}

var emptyRequest = request{relay: 0, band: NoBand}

func pack(r request) uint64 {
	return uint64(uint32(int32(r.relay)))<<32 | uint64(uint32(int32(r.band)))
}

func unpack(v uint64) request {
	return request{relay: int(int32(uint32(v >> 32))), band: int(int32(uint32(v)))}
}

// Coordinator 可并发使用，Run 只能调用一次
type Coordinator struct {
	backend relay.Backend
	lc      logger.LoggingClient
	opts    Options

	mailbox atomic.Uint64
	// forget 通知 worker 忘掉上次处理的请求，
	// 手动切换清空邮箱后置位
	forget atomic.Bool

	// ioMu 串行化 worker 与手动切换对后端的访问
	ioMu sync.Mutex

	mu          sync.RWMutex
	states      uint16
	selected    int
	lastForBand [config.MaxBands]int
	lastChange  time.Time

	subsMu sync.Mutex
	subs   []func(Status)

	// 以下字段只由 worker 使用
	lastProcessed request
	failedReq     request
	synced        bool
}

func New(backend relay.Backend, opts Options, lc logger.LoggingClient) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollIntervalMs * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = config.DefaultCooldownMs * time.Millisecond
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = config.DefaultHealthCheckMs * time.Millisecond
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	c := &Coordinator{
		backend:       backend,
		lc:            lc,
		opts:          opts,
		lastProcessed: emptyRequest,
		failedReq:     emptyRequest,
	}
	c.mailbox.Store(pack(emptyRequest))
	return c
}

// Request 请求在 band 上选择 relayID。与待处理请求相同则忽略，
// 否则覆盖待处理请求
func (c *Coordinator) Request(relayID, band int) error {
	if err := relay.ValidID(relayID); err != nil {
		return err
	}
	if band < NoBand || band >= config.MaxBands {
		return fmt.Errorf("%w: band %d not in 0..%d", relay.ErrArgument, band, config.MaxBands-1)
	}
	p := pack(request{relay: relayID, band: band})
	if c.mailbox.Swap(p) == p {
		c.opts.Recorder.Coalesced()
		c.lc.Debugf("relay %d band %d already pending", relayID, band)
		return nil
	}
	c.lc.Debugf("relay %d band %d requested", relayID, band)
	return nil
}

// SetRelay 直接切换单个继电器，硬件确认后才返回。打开按选择模式写入（默认互斥），
// 关闭只清掉该位。覆盖前挂起的请求被丢弃，覆盖期间新到的请求保留。
func (c *Coordinator) SetRelay(ctx context.Context, relayID int, on bool) error {
	if err := relay.ValidID(relayID); err != nil {
		return err
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.RLock()
	cur, sel := c.states, c.selected
	c.mu.RUnlock()

	if !on {
		mask := cur &^ relay.Bit(relayID)
		if mask == cur {
			return nil
		}
		st, err := c.override(ctx, mask, func(got uint16) int {
			if sel == relayID {
				return relay.Lowest(got)
			}
			return sel
		})
		if err != nil {
			return fmt.Errorf("relay %d off: %w", relayID, err)
		}
		c.lc.Infof("relay %d switched off", relayID)
		c.notify(st)
		return nil
	}

	mask := c.selectMask(cur, relayID)
	if mask == cur && sel == relayID {
		c.discard(c.mailbox.Load())
		return nil
	}
	st, err := c.override(ctx, mask, func(uint16) int { return relayID })
	if err != nil {
		return fmt.Errorf("relay %d on: %w", relayID, err)
	}
	c.opts.Recorder.SwitchDone(relayID)
	c.lc.Infof("relay %d switched on (states 0x%04X)", relayID, st.States)
	c.notify(st)
	return nil
}

// AllOff 关闭所有继电器
func (c *Coordinator) AllOff(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	st, err := c.override(ctx, 0, relay.Lowest)
	if err != nil {
		return fmt.Errorf("all relays off: %w", err)
	}
	c.lc.Infof("all relays switched off")
	c.notify(st)
	return nil
}

// override 写入 mask 并提交结果，调用方持有 ioMu。
// 写入前挂起的请求作废；写入期间被新请求替换则保留新请求。
func (c *Coordinator) override(ctx context.Context, mask uint16, pick func(got uint16) int) (Status, error) {
	pending := c.mailbox.Load()
	if err := c.waitCooldown(ctx); err != nil {
		return Status{}, err
	}
	got, err := c.backend.WriteAll(ctx, mask)
	if err != nil {
		c.opts.Recorder.SwitchFailed()
		return Status{}, err
	}
	c.discard(pending)
	return c.commit(got, pick(got), NoBand), nil
}

// discard 清空邮箱，前提是邮箱里仍是 pending
func (c *Coordinator) discard(pending uint64) {
	if c.mailbox.CompareAndSwap(pending, pack(emptyRequest)) {
		c.forget.Store(true)
	}
}

// selectMask 是选中 relayID 后的目标位图
func (c *Coordinator) selectMask(cur uint16, relayID int) uint16 {
	if c.opts.Independent {
		return cur | relay.Bit(relayID)
	}
	return relay.Exclusive(relayID)
}

// GetRelayState 返回 relayID 最近一次确认的状态
func (c *Coordinator) GetRelayState(relayID int) (bool, error) {
	if err := relay.ValidID(relayID); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states&relay.Bit(relayID) != 0, nil
}

// GetAllStates 返回最近一次确认的位掩码
func (c *Coordinator) GetAllStates() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states
}

// Selected 返回当前选中的继电器，没有时为 0
func (c *Coordinator) Selected() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// LastRelayForBand 返回该波段上次选中的继电器，尚未选过时为 0
func (c *Coordinator) LastRelayForBand(band int) (int, error) {
	if band < 0 || band >= config.MaxBands {
		return 0, fmt.Errorf("%w: band %d", relay.ErrArgument, band)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastForBand[band], nil
}

// IsCorrectRelaySet 判断当前继电器是否就是该波段上次选中的继电器
func (c *Coordinator) IsCorrectRelaySet(band int) bool {
	last, err := c.LastRelayForBand(band)
	if err != nil || last == 0 {
		return false
	}
	return c.Selected() == last
}

// Snapshot 返回当前已确认的状态
func (c *Coordinator) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{Selected: c.selected, States: c.states, Band: NoBand, At: c.lastChange}
}

// Subscribe 注册每次确认变化时的回调。fn 在切换 goroutine 上执行，
// 不能阻塞
func (c *Coordinator) Subscribe(fn func(Status)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Coordinator) notify(st Status) {
	c.subsMu.Lock()
	subs := append(([]func(Status))(nil), c.subs...)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

// commit 记录一次已确认的硬件状态，调用方持有 ioMu
func (c *Coordinator) commit(states uint16, selected, band int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = states
	c.selected = selected
	if band >= 0 && band < config.MaxBands && selected > 0 {
		c.lastForBand[band] = selected
	}
	c.lastChange = time.Now()
	return Status{Selected: selected, States: states, Band: band, At: c.lastChange}
}

// waitCooldown 等待距上次切换的冷却时间结束
func (c *Coordinator) waitCooldown(ctx context.Context) error {
	c.mu.RLock()
	last := c.lastChange
	c.mu.RUnlock()
	if last.IsZero() {
		return nil
	}
	wait := c.opts.Cooldown - time.Since(last)
	if wait <= 0 {
		return nil
	}
	c.lc.Debugf("relay cooldown %v", wait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) SwitchDone(int)   {}
func (nopRecorder) SwitchFailed()    {}
func (nopRecorder) Coalesced()       {}
func (nopRecorder) Reconnected(bool) {}
