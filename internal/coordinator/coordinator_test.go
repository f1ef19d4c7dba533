package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"go.viam.com/test"

	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
)

type fakeBackend struct {
	mu         sync.Mutex
	state      uint16
	writes     []uint16
	writeTimes []time.Time
	failWrites bool
	pingErr    error
	closeErr   error
	opens      int
	closes     int
	reads      int
	// onWrite 在硬件写入期间调用，模拟并发的调用方
	onWrite func(mask uint16)
}

func (f *fakeBackend) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeBackend) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) WriteAll(_ context.Context, mask uint16) (uint16, error) {
	f.mu.Lock()
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(mask)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeTimes = append(f.writeTimes, time.Now())
	if f.failWrites {
		return 0, relay.ErrTimeout
	}
	f.writes = append(f.writes, mask)
	f.state = mask
	return mask, nil
}

func (f *fakeBackend) ReadAll(context.Context) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.state, nil
}

func (f *fakeBackend) set(fn func(*fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) writeLog() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.writes...)
}

type countingRecorder struct {
	done, failed, coalesced, reconnects atomic.Int32
}

func (r *countingRecorder) SwitchDone(int) { r.done.Add(1) }
func (r *countingRecorder) SwitchFailed()  { r.failed.Add(1) }
func (r *countingRecorder) Coalesced()     { r.coalesced.Add(1) }
func (r *countingRecorder) Reconnected(ok bool) {
	if ok {
		r.reconnects.Add(1)
	}
}

type beats struct{ n atomic.Int32 }

func (b *beats) Alive(string) { b.n.Add(1) }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func settle() { time.Sleep(40 * time.Millisecond) }

func start(t *testing.T, fb *fakeBackend, opts Options) *Coordinator {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = time.Millisecond
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Hour
	}
	c := New(fb, opts, logger.NewMockClient())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestRequestRejectsOutOfRange(t *testing.T) {
	c := New(&fakeBackend{}, Options{}, logger.NewMockClient())
	for _, tc := range [][2]int{{0, 0}, {17, 0}, {1, 10}, {1, -2}} {
		err := c.Request(tc[0], tc[1])
		test.That(t, errors.Is(err, relay.ErrArgument), test.ShouldBeTrue)
	}
	test.That(t, unpack(c.mailbox.Load()), test.ShouldResemble, emptyRequest)
}

func TestMailboxPacking(t *testing.T) {
	for _, r := range []request{emptyRequest, {16, 9}, {1, NoBand}, {3, 0}} {
		test.That(t, unpack(pack(r)), test.ShouldResemble, r)
	}
}

func TestRepeatedRequestSwitchesOnce(t *testing.T) {
	fb := &fakeBackend{}
	rec := &countingRecorder{}
	c := start(t, fb, Options{Recorder: rec})

	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 2 })
	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	settle()

	test.That(t, fb.writeLog(), test.ShouldResemble, []uint16{relay.Bit(2)})
	test.That(t, rec.done.Load(), test.ShouldEqual, int32(1))
	test.That(t, rec.coalesced.Load(), test.ShouldEqual, int32(2))
}

func TestExclusiveSelection(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{})

	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 2 })
	test.That(t, c.Request(5, 3), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 5 })

	test.That(t, c.GetAllStates(), test.ShouldEqual, relay.Bit(5))
	for id := 1; id <= relay.NumRelays; id++ {
		on, err := c.GetRelayState(id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, on, test.ShouldEqual, id == 5)
	}
	_, err := c.GetRelayState(0)
	test.That(t, errors.Is(err, relay.ErrArgument), test.ShouldBeTrue)
}

func TestIndependentSelection(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{Independent: true})

	test.That(t, c.Request(1, 0), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 1 })
	test.That(t, c.Request(3, 0), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 3 })
	test.That(t, c.GetAllStates(), test.ShouldEqual, uint16(0x0005))
}

func TestCooldownBetweenSwitches(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{Cooldown: 50 * time.Millisecond})

	test.That(t, c.Request(1, 0), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 1 })
	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 2 })

	fb.mu.Lock()
	gap := fb.writeTimes[1].Sub(fb.writeTimes[0])
	fb.mu.Unlock()
	test.That(t, gap, test.ShouldBeGreaterThanOrEqualTo, 50*time.Millisecond)
}

func TestLatestRequestWins(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{PollInterval: 30 * time.Millisecond})

	for id := 1; id <= 6; id++ {
		test.That(t, c.Request(id, 0), test.ShouldBeNil)
	}
	eventually(t, func() bool { return c.Selected() == 6 })
	settle()
	test.That(t, len(fb.writeLog()), test.ShouldBeLessThan, 6)
	test.That(t, fb.writeLog()[len(fb.writeLog())-1], test.ShouldEqual, relay.Bit(6))
}

func TestFailedSwitchLeavesStateAndRetries(t *testing.T) {
	fb := &fakeBackend{failWrites: true}
	rec := &countingRecorder{}
	c := start(t, fb, Options{Recorder: rec})

	test.That(t, c.Request(3, 2), test.ShouldBeNil)
	eventually(t, func() bool { return rec.failed.Load() >= 2 })
	test.That(t, c.Selected(), test.ShouldEqual, 0)
	test.That(t, c.GetAllStates(), test.ShouldEqual, uint16(0))
	last, err := c.LastRelayForBand(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, last, test.ShouldEqual, 0)

	fb.set(func(f *fakeBackend) { f.failWrites = false })
	eventually(t, func() bool { return c.Selected() == 3 })
	test.That(t, c.IsCorrectRelaySet(2), test.ShouldBeTrue)
}

func TestInitialSyncAndSameRelayBookkeeping(t *testing.T) {
	fb := &fakeBackend{state: relay.Bit(4)}
	c := start(t, fb, Options{})
	eventually(t, func() bool { return c.Selected() == 4 })

	test.That(t, c.IsCorrectRelaySet(2), test.ShouldBeFalse)
	test.That(t, c.Request(4, 2), test.ShouldBeNil)
	eventually(t, func() bool { return c.IsCorrectRelaySet(2) })
	test.That(t, fb.writeLog(), test.ShouldBeEmpty)

	_, err := c.LastRelayForBand(10)
	test.That(t, errors.Is(err, relay.ErrArgument), test.ShouldBeTrue)
}

func TestSetRelayOffAndReselect(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{})
	ctx := context.Background()

	test.That(t, c.SetRelay(ctx, 7, true), test.ShouldBeNil)
	test.That(t, c.Selected(), test.ShouldEqual, 7)
	test.That(t, c.GetAllStates(), test.ShouldEqual, relay.Bit(7))
	last, _ := c.LastRelayForBand(0)
	test.That(t, last, test.ShouldEqual, 0)

	test.That(t, c.SetRelay(ctx, 7, false), test.ShouldBeNil)
	test.That(t, c.Selected(), test.ShouldEqual, 0)
	test.That(t, c.GetAllStates(), test.ShouldEqual, uint16(0))

	// 已经关闭，不写硬件
	n := len(fb.writeLog())
	test.That(t, c.SetRelay(ctx, 7, false), test.ShouldBeNil)
	test.That(t, len(fb.writeLog()), test.ShouldEqual, n)

	test.That(t, c.Request(7, NoBand), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 7 })

	test.That(t, errors.Is(c.SetRelay(ctx, 17, true), relay.ErrArgument), test.ShouldBeTrue)
}

func TestAllOffAndSubscribe(t *testing.T) {
	fb := &fakeBackend{}
	c := start(t, fb, Options{})

	var mu sync.Mutex
	var seen []Status
	c.Subscribe(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	test.That(t, c.Request(9, 4), test.ShouldBeNil)
	eventually(t, func() bool { return c.Selected() == 9 })
	test.That(t, c.AllOff(context.Background()), test.ShouldBeNil)
	test.That(t, c.GetAllStates(), test.ShouldEqual, uint16(0))
	test.That(t, c.Selected(), test.ShouldEqual, 0)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, len(seen), test.ShouldEqual, 2)
	test.That(t, seen[0].Selected, test.ShouldEqual, 9)
	test.That(t, seen[0].Band, test.ShouldEqual, 4)
	test.That(t, seen[0].States, test.ShouldEqual, relay.Bit(9))
	test.That(t, seen[1].States, test.ShouldEqual, uint16(0))
}

func TestHealthCheckReconnects(t *testing.T) {
	fb := &fakeBackend{pingErr: relay.ErrConnection}
	rec := &countingRecorder{}
	live := &beats{}
	c := start(t, fb, Options{HealthInterval: 10 * time.Millisecond, Recorder: rec, Liveness: live})
	_ = c

	eventually(t, func() bool { return rec.reconnects.Load() >= 1 })
	fb.mu.Lock()
	test.That(t, fb.closes, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, fb.opens, test.ShouldBeGreaterThanOrEqualTo, 2)
	fb.mu.Unlock()
	test.That(t, live.n.Load(), test.ShouldBeGreaterThan, int32(0))
}

// debugLog 记录 Debugf 输出，其余日志交给 MockClient
type debugLog struct {
	logger.LoggingClient
	mu    sync.Mutex
	lines []string
}

func (l *debugLog) Debugf(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(msg, args...))
}

func (l *debugLog) contains(want string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line == want {
			return true
		}
	}
	return false
}

func TestHealthCheckCloseErrorIsLogged(t *testing.T) {
	fb := &fakeBackend{pingErr: relay.ErrConnection, closeErr: errors.New("socket already closed")}
	rec := &countingRecorder{}
	lc := &debugLog{LoggingClient: logger.NewMockClient()}
	c := New(fb, Options{PollInterval: 5 * time.Millisecond, HealthInterval: 10 * time.Millisecond, Recorder: rec}, lc)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// 关闭失败不影响重连
	eventually(t, func() bool { return rec.reconnects.Load() >= 1 })
	test.That(t, lc.contains("relay backend close: socket already closed"), test.ShouldBeTrue)
}

func TestRunStopsOnCancel(t *testing.T) {
	fb := &fakeBackend{}
	c := New(fb, Options{PollInterval: time.Millisecond}, logger.NewMockClient())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	test.That(t, fb.closes, test.ShouldEqual, 1)
}

func TestRequestDuringOverrideWriteSurvives(t *testing.T) {
	for name, override := range map[string]func(*Coordinator) error{
		"relay off": func(c *Coordinator) error { return c.SetRelay(context.Background(), 3, false) },
		"all off":   func(c *Coordinator) error { return c.AllOff(context.Background()) },
	} {
		t.Run(name, func(t *testing.T) {
			fb := &fakeBackend{}
			c := start(t, fb, Options{})
			test.That(t, c.Request(3, 0), test.ShouldBeNil)
			eventually(t, func() bool { return c.Selected() == 3 })

			// 覆盖写硬件期间换了波段
			var once sync.Once
			fb.set(func(f *fakeBackend) {
				f.onWrite = func(mask uint16) {
					if mask == 0 {
						once.Do(func() { test.That(t, c.Request(5, 1), test.ShouldBeNil) })
					}
				}
			})
			test.That(t, override(c), test.ShouldBeNil)

			eventually(t, func() bool { return c.Selected() == 5 })
			test.That(t, c.GetAllStates(), test.ShouldEqual, relay.Bit(5))
			test.That(t, c.IsCorrectRelaySet(1), test.ShouldBeTrue)
		})
	}
}

func TestOverrideDiscardsPendingRequest(t *testing.T) {
	fb := &fakeBackend{}
	c := New(fb, Options{Cooldown: time.Millisecond}, logger.NewMockClient())

	test.That(t, c.Request(2, 1), test.ShouldBeNil)
	test.That(t, c.SetRelay(context.Background(), 4, true), test.ShouldBeNil)
	test.That(t, unpack(c.mailbox.Load()), test.ShouldResemble, emptyRequest)
	test.That(t, c.Selected(), test.ShouldEqual, 4)
	test.That(t, fb.writeLog(), test.ShouldResemble, []uint16{relay.Bit(4)})

	// 工作线程不会再执行被丢弃的请求
	c.processOnce(context.Background())
	test.That(t, c.Selected(), test.ShouldEqual, 4)
	test.That(t, fb.writeLog(), test.ShouldHaveLength, 1)
}

func TestSetRelayOnReportsFailure(t *testing.T) {
	fb := &fakeBackend{failWrites: true}
	rec := &countingRecorder{}
	c := New(fb, Options{Recorder: rec}, logger.NewMockClient())

	err := c.SetRelay(context.Background(), 6, true)
	test.That(t, errors.Is(err, relay.ErrTimeout), test.ShouldBeTrue)
	test.That(t, c.Selected(), test.ShouldEqual, 0)
	test.That(t, c.GetAllStates(), test.ShouldEqual, uint16(0))
	test.That(t, rec.failed.Load(), test.ShouldEqual, int32(1))

	fb.set(func(f *fakeBackend) { f.failWrites = false })
	test.That(t, c.SetRelay(context.Background(), 6, true), test.ShouldBeNil)
	test.That(t, rec.done.Load(), test.ShouldEqual, int32(1))

	// 已选中：不再写硬件
	test.That(t, c.SetRelay(context.Background(), 6, true), test.ShouldBeNil)
	test.That(t, fb.writeLog(), test.ShouldHaveLength, 1)
}

func TestSyncedMultiRelayMaskIsCorrected(t *testing.T) {
	fb := &fakeBackend{state: 0x0003}
	c := start(t, fb, Options{})
	eventually(t, func() bool { return c.GetAllStates() == 0x0003 })
	test.That(t, c.Selected(), test.ShouldEqual, 1)

	test.That(t, c.Request(1, 0), test.ShouldBeNil)
	eventually(t, func() bool { return c.GetAllStates() == relay.Bit(1) })
	test.That(t, fb.writeLog(), test.ShouldResemble, []uint16{relay.Bit(1)})
	test.That(t, c.IsCorrectRelaySet(0), test.ShouldBeTrue)
}
