package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/mqttclient"
)

// radioPort 回放 CAT 字节，之后空闲
type radioPort struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *radioPort) Open() error  { return nil }
func (r *radioPort) Close() error { return nil }
func (r *radioPort) Name() string { return "cat" }

func (r *radioPort) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *radioPort) Write(p []byte) (int, error) { return len(p), nil }

func (r *radioPort) send(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, []byte(s))
}

// relayBoard 是回环网络继电器板，回显 SET_ALL
type relayBoard struct {
	ln net.Listener

	mu    sync.Mutex
	state uint16
	lines []string
}

func newRelayBoard(t *testing.T) *relayBoard {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	b := &relayBoard{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(c)
		}
	}()
	return b
}

func (b *relayBoard) serve(c net.Conn) {
	defer c.Close()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := sc.Text()
		b.mu.Lock()
		b.lines = append(b.lines, line)
		var reply string
		switch {
		case line == "RELAY-STATE-255":
			reply = fmt.Sprintf("%s,%d,%d,OK\n", line, b.state>>8, b.state&0xFF)
		case strings.HasPrefix(line, "RELAY-SET_ALL-255,"):
			var d1, d0 uint16
			if _, err := fmt.Sscanf(line, "RELAY-SET_ALL-255,%d,%d", &d1, &d0); err == nil {
				b.state = d1<<8 | d0
				reply = line + ",OK\n"
			}
		}
		b.mu.Unlock()
		if reply == "" {
			continue
		}
		if _, err := c.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (b *relayBoard) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *relayBoard) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func stationConfig(relayPort int) config.SwitchConfig {
	return config.SwitchConfig{
		AutoMode:        true,
		NumBands:        2,
		NumAntennaPorts: 4,
		Bands: []config.BandConfig{
			{Description: "40m", StartFreq: 7_000_000, EndFreq: 7_300_000, AntennaPorts: []bool{true, false, false, false}},
			{Description: "20m", StartFreq: 14_000_000, EndFreq: 14_350_000, AntennaPorts: []bool{false, true, false, false}},
		},
		Relay: config.RelayConfig{
			Type:                "tcp",
			Host:                "127.0.0.1",
			Port:                relayPort,
			TimeoutMs:           200,
			ReconnectCooldownMs: 1,
		},
		Coordinator: config.CoordinatorConfig{PollIntervalMs: 5, CooldownMs: 1, HealthCheckMs: 60_000},
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestFrequencyChangeSwitchesNetworkedRelay(t *testing.T) {
	board := newRelayBoard(t)
	radio := &radioPort{}
	store := config.NewMemoryStore(stationConfig(board.port()))

	svc, err := New(store, logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: radio})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.MQTT, test.ShouldBeNil)
	test.That(t, svc.Start(context.Background()), test.ShouldBeNil)
	defer func() { test.That(t, svc.Stop(DefaultGrace), test.ShouldBeNil) }()

	radio.send("FA00014195000;")
	eventually(t, func() bool { return contains(board.received(), "RELAY-SET_ALL-255,0,2") })
	eventually(t, func() bool { return svc.Coordinator.Selected() == 2 })
	test.That(t, svc.Coordinator.GetAllStates(), test.ShouldEqual, uint16(0x0002))
	test.That(t, svc.Coordinator.IsCorrectRelaySet(1), test.ShouldBeTrue)
	test.That(t, testutil.ToFloat64(svc.Metrics.Switches.WithLabelValues("2")), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(svc.Metrics.SelectedRelay), test.ShouldEqual, 2.0)

	// 同一波段不再切换
	radio.send("FA00014074000;")
	eventually(t, func() bool { return svc.Parser.State().Frequency == 14_074_000 })
	time.Sleep(30 * time.Millisecond)
	sets := 0
	for _, l := range board.received() {
		if strings.HasPrefix(l, "RELAY-SET_ALL") {
			sets++
		}
	}
	test.That(t, sets, test.ShouldEqual, 1)

	radio.send("FA00007074000;")
	eventually(t, func() bool { return contains(board.received(), "RELAY-SET_ALL-255,0,1") })
	eventually(t, func() bool { return svc.Coordinator.Selected() == 1 })
}

func TestAutoModeOffLeavesRelays(t *testing.T) {
	board := newRelayBoard(t)
	radio := &radioPort{}
	store := config.NewMemoryStore(stationConfig(board.port()))

	svc, err := New(store, logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: radio})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.SetAutoMode(false), test.ShouldBeNil)
	test.That(t, store.Get().AutoMode, test.ShouldBeFalse)
	test.That(t, svc.Start(context.Background()), test.ShouldBeNil)
	defer svc.Stop(DefaultGrace)

	radio.send("FA00014195000;")
	eventually(t, func() bool { return svc.Parser.State().Frequency == 14_195_000 })
	time.Sleep(30 * time.Millisecond)
	for _, l := range board.received() {
		test.That(t, l, test.ShouldNotStartWith, "RELAY-SET_ALL")
	}
	test.That(t, svc.Coordinator.Selected(), test.ShouldEqual, 0)

	// 重新打开后，停在原频率也要切到对应天线
	test.That(t, svc.SetAutoMode(true), test.ShouldBeNil)
	test.That(t, store.Get().AutoMode, test.ShouldBeTrue)
	eventually(t, func() bool { return contains(board.received(), "RELAY-SET_ALL-255,0,2") })
	eventually(t, func() bool { return svc.Coordinator.Selected() == 2 })
}

func TestHandleCommand(t *testing.T) {
	board := newRelayBoard(t)
	store := config.NewMemoryStore(stationConfig(board.port()))
	svc, err := New(store, logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: &radioPort{}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.Start(context.Background()), test.ShouldBeNil)
	defer svc.Stop(DefaultGrace)

	on, off := true, false
	test.That(t, svc.HandleCommand(mqttclient.Command{Relay: 4, State: &on}), test.ShouldBeNil)
	eventually(t, func() bool { return svc.Coordinator.Selected() == 4 })

	test.That(t, svc.HandleCommand(mqttclient.Command{Relay: 4, State: &off}), test.ShouldBeNil)
	test.That(t, svc.Coordinator.GetAllStates(), test.ShouldEqual, uint16(0))

	test.That(t, svc.HandleCommand(mqttclient.Command{Relay: 4}), test.ShouldNotBeNil)
	test.That(t, svc.HandleCommand(mqttclient.Command{AllOff: true}), test.ShouldBeNil)
	test.That(t, contains(board.received(), "RELAY-SET_ALL-255,0,0"), test.ShouldBeTrue)
}

func TestHealthz(t *testing.T) {
	store := config.NewMemoryStore(stationConfig(1))
	svc, err := New(store, logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: &radioPort{}})
	test.That(t, err, test.ShouldBeNil)

	rec := httptest.NewRecorder()
	svc.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	svc.Metrics.Alive("cat-reader")
	rec = httptest.NewRecorder()
	svc.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
}

func TestStartTwiceAndStopIdle(t *testing.T) {
	store := config.NewMemoryStore(stationConfig(1))
	svc, err := New(store, logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: &radioPort{}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.Stop(time.Second), test.ShouldBeNil)

	test.That(t, svc.Start(context.Background()), test.ShouldBeNil)
	test.That(t, svc.Start(context.Background()), test.ShouldNotBeNil)
	test.That(t, svc.Stop(DefaultGrace), test.ShouldBeNil)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := stationConfig(1)
	cfg.Relay.Type = "carrier-pigeon"
	_, err := New(config.NewMemoryStore(cfg), logger.NewMockClient(), Options{Registry: prometheus.NewRegistry(), Port: &radioPort{}})
	test.That(t, err, test.ShouldNotBeNil)
}
