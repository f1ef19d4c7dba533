// Package metrics 提供天线切换的 Prometheus 指标，同时记录各 worker 循环的心跳。
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linjuya-lu/device_antswitch_go/internal/coordinator"
)

// Collector 汇总各项指标，nil *Collector 可以安全调用
type Collector struct {
	gatherer prometheus.Gatherer

	Switches          *prometheus.CounterVec
	Failures          prometheus.Counter
	CoalescedRequests prometheus.Counter
	Reconnects        *prometheus.CounterVec
	CATCommands       *prometheus.CounterVec
	SelectedRelay     prometheus.Gauge
	RelayStates       prometheus.Gauge
	Frequency         prometheus.Gauge
	Transmitting      prometheus.Gauge
	Heartbeat         *prometheus.GaugeVec

	mu       sync.Mutex
	lastBeat map[string]time.Time
}

var _ coordinator.Recorder = (*Collector)(nil)
var _ coordinator.Liveness = (*Collector)(nil)

// NewCollector 在 reg 上注册指标，reg 为 nil 时使用全局注册表
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	switches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antswitch_relay_switches_total",
		Help: "Confirmed relay selections, labeled by relay id.",
	}, []string{"relay"}), "antswitch_relay_switches_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "antswitch_relay_switch_failures_total",
		Help: "Relay switches the backend failed to confirm.",
	}), "antswitch_relay_switch_failures_total")
	if err != nil {
		return nil, err
	}
	coalesced, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "antswitch_requests_coalesced_total",
		Help: "Relay requests dropped because the same request was already pending.",
	}), "antswitch_requests_coalesced_total")
	if err != nil {
		return nil, err
	}
	reconnects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antswitch_backend_reconnects_total",
		Help: "Backend reconnect attempts after a failed health check, labeled by result.",
	}, []string{"result"}), "antswitch_backend_reconnects_total")
	if err != nil {
		return nil, err
	}
	cat, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antswitch_cat_commands_total",
		Help: "CAT commands received from the radio, labeled by command code.",
	}, []string{"code"}), "antswitch_cat_commands_total")
	if err != nil {
		return nil, err
	}
	selected, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antswitch_selected_relay",
		Help: "Currently selected relay, 0 when none.",
	}), "antswitch_selected_relay")
	if err != nil {
		return nil, err
	}
	states, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antswitch_relay_states",
		Help: "Bitmask of energised relays.",
	}), "antswitch_relay_states")
	if err != nil {
		return nil, err
	}
	freq, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antswitch_radio_frequency_hz",
		Help: "Last frequency reported by the radio.",
	}), "antswitch_radio_frequency_hz")
	if err != nil {
		return nil, err
	}
	tx, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antswitch_radio_transmitting",
		Help: "1 while the radio reports transmit.",
	}), "antswitch_radio_transmitting")
	if err != nil {
		return nil, err
	}
	beat, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "antswitch_worker_heartbeat_timestamp_seconds",
		Help: "Unix time of the last heartbeat from each worker loop.",
	}, []string{"worker"}), "antswitch_worker_heartbeat_timestamp_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		Switches:          switches,
		Failures:          failures,
		CoalescedRequests: coalesced,
		Reconnects:        reconnects,
		CATCommands:       cat,
		SelectedRelay:     selected,
		RelayStates:       states,
		Frequency:         freq,
		Transmitting:      tx,
		Heartbeat:         beat,
		lastBeat:          make(map[string]time.Time),
	}, nil
}

// Handler 返回可直接挂载的 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) SwitchDone(relayID int) {
	if c == nil {
		return
	}
	c.Switches.WithLabelValues(fmt.Sprint(relayID)).Inc()
}

func (c *Collector) SwitchFailed() {
	if c == nil {
		return
	}
	c.Failures.Inc()
}

func (c *Collector) Coalesced() {
	if c == nil {
		return
	}
	c.CoalescedRequests.Inc()
}

func (c *Collector) Reconnected(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.Reconnects.WithLabelValues(result).Inc()
}

// CATCommand 统计一条已解析的命令
func (c *Collector) CATCommand(code string) {
	if c == nil {
		return
	}
	c.CATCommands.WithLabelValues(code).Inc()
}

// RadioState 记录电台频率和发射状态
func (c *Collector) RadioState(freq uint32, transmitting bool) {
	if c == nil {
		return
	}
	c.Frequency.Set(float64(freq))
	tx := 0.0
	if transmitting {
		tx = 1
	}
	c.Transmitting.Set(tx)
}

// ObserveStatus 同步一次已确认的继电器状态
func (c *Collector) ObserveStatus(st coordinator.Status) {
	if c == nil {
		return
	}
	c.SelectedRelay.Set(float64(st.Selected))
	c.RelayStates.Set(float64(st.States))
}

// Alive 记录 worker 的一次心跳
func (c *Collector) Alive(worker string) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.lastBeat[worker] = now
	c.mu.Unlock()
	c.Heartbeat.WithLabelValues(worker).Set(float64(now.UnixNano()) / 1e9)
}

// Stale 返回心跳超过 maxAge 的 worker
func (c *Collector) Stale(maxAge time.Duration) []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for w, t := range c.lastBeat {
		if time.Since(t) > maxAge {
			out = append(out, w)
		}
	}
	return out
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
