// Package mqttclient 把继电器状态发布到 MQTT，并接收手动切换命令。
package mqttclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/google/uuid"

	"github.com/linjuya-lu/device_antswitch_go/internal/cat"
	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/coordinator"
	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
)

// ErrBadCommand 表示无法执行的命令消息
var ErrBadCommand = errors.New("bad relay command")

// commandQueue 是待执行命令的缓冲深度，满了就丢弃新命令
const commandQueue = 16

// ClientOptions 配置 MQTT 客户端行为
type ClientOptions struct {
	Broker         string // tcp://host:port
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Qos            byte
	StatusTopic    string
	CommandTopic   string
}

// OptionsFromConfig 把 YAML 中的 MQTT 段转换为客户端参数
func OptionsFromConfig(c config.MQTTConfig) ClientOptions {
	id := c.ClientID
	if id == "" {
		id = "antswitch-" + uuid.NewString()[:8]
	}
	return ClientOptions{
		Broker:         c.Broker,
		ClientID:       id,
		Username:       c.Username,
		Password:       c.Password,
		KeepAlive:      time.Duration(c.KeepAliveSec) * time.Second,
		ConnectTimeout: 10 * time.Second,
		Qos:            1,
		StatusTopic:    c.StatusTopic,
		CommandTopic:   c.CommandTopic,
	}
}

// EdgexMessage 是 EdgeX MessageBus 的通用消息格式
type EdgexMessage struct {
	ApiVersion    string      `json:"apiVersion"`
	ReceivedTopic string      `json:"receivedTopic,omitempty"`
	CorrelationID string      `json:"correlationID"`
	RequestID     string      `json:"requestID"`
	ErrorCode     int         `json:"errorCode"`
	Payload       interface{} `json:"payload,omitempty"`
	ContentType   string      `json:"contentType"`
}

// StatusPayload 是状态消息的 payload 部分
type StatusPayload struct {
	Device       string `json:"device"`
	Timestamp    int64  `json:"timestamp"` // Unix 纳秒
	Selected     int    `json:"selectedRelay"`
	States       uint16 `json:"relayStates"`
	Relays       []bool `json:"relays"`
	Band         int    `json:"band"`
	Frequency    uint32 `json:"frequency"`
	Mode         string `json:"mode"`
	Transmitting bool   `json:"transmitting"`
}

// NewStatusMessage 组装一条 EdgeX 格式的状态消息
func NewStatusMessage(device string, st coordinator.Status, radio cat.Radio) EdgexMessage {
	relays := make([]bool, relay.NumRelays)
	for i := range relays {
		relays[i] = st.States&relay.Bit(i+1) != 0
	}
	ts := st.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return EdgexMessage{
		ApiVersion:    "v3",
		CorrelationID: uuid.NewString(),
		RequestID:     uuid.NewString(),
		Payload: StatusPayload{
			Device:       device,
			Timestamp:    ts.UnixNano(),
			Selected:     st.Selected,
			States:       st.States,
			Relays:       relays,
			Band:         st.Band,
			Frequency:    radio.Frequency,
			Mode:         radio.Mode,
			Transmitting: radio.Transmitting,
		},
		ContentType: "application/json",
	}
}

// Command 是命令主题上的手动切换请求：
//
//	{"relay": 3, "state": true}   打开 3 号继电器
//	{"relay": 3, "state": false}  关闭 3 号继电器
//	{"allOff": true}              全部关闭
type Command struct {
	Relay  int   `json:"relay"`
	State  *bool `json:"state,omitempty"`
	AllOff bool  `json:"allOff,omitempty"`
}

// DecodeCommand 解析并校验一条命令
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if cmd.AllOff {
		return cmd, nil
	}
	if err := relay.ValidID(cmd.Relay); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if cmd.State == nil {
		return Command{}, fmt.Errorf("%w: missing state", ErrBadCommand)
	}
	return cmd, nil
}

// Client 封装 Paho MQTT 客户端：发布状态，订阅命令
type Client struct {
	inner paho.Client
	opts  ClientOptions
	lc    logger.LoggingClient

	mu      sync.Mutex
	handler func(Command) error

	// 命令在单独的 goroutine 里按到达顺序执行，不占用 paho 的消息路由
	cmds      chan Command
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewClient 创建一个新的 MQTT 客户端并连接到 Broker。断线后自动重连并重新订阅。
func NewClient(opts ClientOptions, lc logger.LoggingClient) (*Client, error) {
	c := newWithInner(nil, opts, lc)
	p := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) { c.resubscribe() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			lc.Warnf("MQTT connection lost: %v", err)
		})
	if opts.Username != "" {
		p.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		p.SetPassword(opts.Password)
	}
	c.inner = paho.NewClient(p)
	tok := c.inner.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		// SetConnectRetry 下连接会在后台继续重试
		lc.Warnf("MQTT broker %s not reachable after %s, retrying in background", opts.Broker, opts.ConnectTimeout)
		return c, nil
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT 连接失败: %w", err)
	}
	return c, nil
}

func newWithInner(inner paho.Client, opts ClientOptions, lc logger.LoggingClient) *Client {
	return &Client{
		inner: inner,
		opts:  opts,
		lc:    lc,
		cmds:  make(chan Command, commandQueue),
		done:  make(chan struct{}),
	}
}

// PublishStatus 发布状态消息到状态主题（retained，新订阅者立即拿到最新状态）
func (c *Client) PublishStatus(msg EdgexMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tok := c.inner.Publish(c.opts.StatusTopic, c.opts.Qos, true, body)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("publish %s: timeout after %s", c.opts.StatusTopic, c.opts.ConnectTimeout)
	}
	return tok.Error()
}

// SubscribeCommands 订阅命令主题，合法命令交给 handler 执行
func (c *Client) SubscribeCommands(handler func(Command) error) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	c.startOnce.Do(func() { go c.dispatch() })
	return c.subscribe()
}

func (c *Client) subscribe() error {
	tok := c.inner.Subscribe(c.opts.CommandTopic, c.opts.Qos, c.onMessage)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout after %s", c.opts.CommandTopic, c.opts.ConnectTimeout)
	}
	return tok.Error()
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := c.subscribe(); err != nil {
		c.lc.Errorf("MQTT resubscribe %s: %v", c.opts.CommandTopic, err)
	}
}

// onMessage 运行在 paho 的路由 goroutine 上，只做解析和入队
func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	cmd, err := DecodeCommand(m.Payload())
	if err != nil {
		c.lc.Warnf("MQTT command on %s: %v", m.Topic(), err)
		return
	}
	select {
	case c.cmds <- cmd:
	default:
		c.lc.Warnf("MQTT command queue full, command for relay %d dropped", cmd.Relay)
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.cmds:
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h == nil {
				continue
			}
			if err := h(cmd); err != nil {
				c.lc.Errorf("MQTT command for relay %d failed: %v", cmd.Relay, err)
			}
		}
	}
}

// Disconnect 断开与 Broker 的连接，并停止执行排队的命令
func (c *Client) Disconnect(quiesce uint) {
	c.stopOnce.Do(func() { close(c.done) })
	c.inner.Disconnect(quiesce)
}
