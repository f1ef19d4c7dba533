// Package cat 解析电台的 CAT 字节流，并把频率变化转换为天线选择。
package cat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_antswitch_go/internal/band"
	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
	"github.com/linjuya-lu/device_antswitch_go/internal/serial"
)

const (
	// MaxCommandsPerWake 限制一次 Feed 处理的完整命令数
	MaxCommandsPerWake = 3
	// BufSize 是未结束输入的最大保留长度，超过后丢弃
	BufSize = 256
	// minIFPayload 是可解析的最短 IF 负载（不含 "IF"）
	minIFPayload = 35
)

// ErrMalformed 表示 CAT 命令负载无法解析
var ErrMalformed = errors.New("malformed CAT command")

// modes 把 IF 中的模式数字映射为名称
var modes = map[byte]string{
	'1': "LSB",
	'2': "USB",
	'3': "CW-U",
	'4': "FM",
	'5': "AM",
	'6': "DIG-L",
	'7': "CW-L",
	'9': "DIG-U",
}

const modeUnknown = "UNKNOWN"

// Radio 是从 CAT 数据得到的电台状态
type Radio struct {
	Frequency    uint32
	BandIndex    int // -1 when outside every band
	Mode         string
	Transmitting bool
	RIT          bool
	XIT          bool
	Split        bool
	RITOffset    int32
}

// Selector 接收天线选择
type Selector interface {
	Request(relayID, band int) error
}

// Recorder 统计解析的数据
type Recorder interface {
	CATCommand(code string)
	RadioState(freq uint32, transmitting bool)
}

type handler func(p *Parser, payload string) error

// Parser 按 ';' 拼出完整命令，再按两字母命令码分发
type Parser struct {
	cfg      config.Source
	sel      Selector
	rec      Recorder
	lc       logger.LoggingClient
	split    serial.FrameParser
	handlers map[string]handler

	mu    sync.Mutex
	buf   []byte
	state Radio
	// autoCached 记录 state 缓存时的自动模式，模式变化后同频也要重新选择
	autoCached bool
}

// NewParser 构造解析器，rec 可以为 nil
func NewParser(cfg config.Source, sel Selector, rec Recorder, lc logger.LoggingClient) *Parser {
	return &Parser{
		cfg:   cfg,
		sel:   sel,
		rec:   rec,
		lc:    lc,
		split: serial.Parsers["cat"],
		handlers: map[string]handler{
			"FA": (*Parser).handleFA,
			"IF": (*Parser).handleIF,
			"AP": (*Parser).handleAP,
			"AI": (*Parser).handleAI,
		},
		buf:   make([]byte, 0, BufSize),
		state: Radio{BandIndex: -1, Mode: modeUnknown},
	}
}

// State 返回当前电台状态的副本
func (p *Parser) State() Radio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending 判断缓冲区中是否有等待处理的完整命令
func (p *Parser) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame, _, _ := p.split(p.buf)
	return frame != nil
}

// Feed 追加 data，最多处理 MaxCommandsPerWake 条完整命令，
// 返回从缓冲区取出的命令数
func (p *Parser) Feed(data []byte) int {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	var cmds []string
	for len(cmds) < MaxCommandsPerWake {
		frame, rest, err := p.split(p.buf)
		if err != nil || frame == nil {
			break
		}
		cmds = append(cmds, string(frame))
		p.buf = append(p.buf[:0], rest...)
	}
	if len(cmds) == 0 && len(p.buf) > BufSize {
		p.lc.Warnf("CAT buffer overflow, dropping %d bytes", len(p.buf))
		p.buf = p.buf[:0]
	}
	p.mu.Unlock()

	for _, cmd := range cmds {
		if err := p.Process(cmd); err != nil {
			p.lc.Warnf("CAT command %q: %v", cmd, err)
		}
	}
	return len(cmds)
}

// Process 处理一条不含 ';' 的命令。两端空白会被去掉，
// 不足两个字符的命令和未知命令码会被忽略
func (p *Parser) Process(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if len(cmd) < 2 {
		return nil
	}
	code := cmd[:2]
	h, ok := p.handlers[code]
	if !ok {
		p.lc.Debugf("CAT command %s ignored", code)
		return nil
	}
	if p.rec != nil {
		p.rec.CATCommand(code)
	}
	return h(p, cmd[2:])
}

func (p *Parser) handleFA(payload string) error {
	f, err := strconv.ParseUint(payload, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: FA %q", ErrMalformed, payload)
	}
	return p.HandleFrequencyChange(uint32(f))
}

func (p *Parser) handleIF(payload string) error {
	if len(payload) < minIFPayload {
		p.lc.Debugf("IF frame too short (%d)", len(payload))
		return nil
	}
	f, err := strconv.ParseUint(payload[0:11], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: IF frequency %q", ErrMalformed, payload[0:11])
	}
	offset, err := strconv.ParseInt(payload[16:21], 10, 32)
	if err != nil {
		offset = 0
	}
	mode, ok := modes[payload[27]]
	if !ok {
		mode = modeUnknown
	}

	p.mu.Lock()
	p.state.RITOffset = int32(offset)
	p.state.RIT = payload[21] == '1'
	p.state.XIT = payload[22] == '1'
	p.state.Transmitting = payload[26] == '1'
	p.state.Mode = mode
	p.state.Split = payload[30] == '1'
	tx := p.state.Transmitting
	p.mu.Unlock()

	if p.rec != nil {
		p.rec.RadioState(uint32(f), tx)
	}
	return p.HandleFrequencyChange(uint32(f))
}

// handleAP 设置天线端口数，超过上限时截断并保存修正后的值
func (p *Parser) handleAP(payload string) error {
	n, err := strconv.Atoi(payload)
	if err != nil || n < 1 {
		return fmt.Errorf("%w: AP %q", relay.ErrArgument, payload)
	}
	if n > config.MaxAntennaPorts {
		p.lc.Warnf("AP%d exceeds %d ports, clamping", n, config.MaxAntennaPorts)
		n = config.MaxAntennaPorts
	}
	cfg := p.cfg.Get()
	if cfg.NumAntennaPorts == n {
		return nil
	}
	cfg.NumAntennaPorts = n
	if err := p.cfg.Set(cfg); err != nil {
		return fmt.Errorf("persist antenna ports: %w", err)
	}
	p.lc.Infof("antenna ports set to %d", n)
	return nil
}

// handleAI 切换自动模式：AI0 关闭，其它数字打开
func (p *Parser) handleAI(payload string) error {
	n, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("%w: AI %q", ErrMalformed, payload)
	}
	return p.SetAutoMode(n != 0)
}

// SetAutoMode 持久化自动模式。重新打开时立即按缓存的频率选择天线，不必等电台换频。
func (p *Parser) SetAutoMode(on bool) error {
	cfg := p.cfg.Get()
	if cfg.AutoMode != on {
		cfg.AutoMode = on
		if err := p.cfg.Set(cfg); err != nil {
			return fmt.Errorf("persist auto mode: %w", err)
		}
		p.lc.Infof("auto mode %v", on)
	}
	if !on {
		return nil
	}
	freq := p.State().Frequency
	if freq == 0 {
		return nil
	}
	return p.HandleFrequencyChange(freq)
}

// HandleFrequencyChange 在 freq 进入不同波段时选择天线。
// 即使没找到天线也缓存频率和波段，相同的帧不会重复查找
func (p *Parser) HandleFrequencyChange(freq uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.cfg.Get()
	if freq == p.state.Frequency && cfg.AutoMode == p.autoCached {
		return nil
	}
	if p.rec != nil {
		p.rec.RadioState(freq, p.state.Transmitting)
	}
	p.autoCached = cfg.AutoMode
	if !cfg.AutoMode {
		p.state.Frequency = freq
		p.state.BandIndex = -1
		return nil
	}

	idx := band.Index(cfg, freq)
	if idx != p.state.BandIndex {
		sel, err := band.Select(cfg, freq)
		switch {
		case errors.Is(err, band.ErrNoBand):
			p.lc.Warnf("no band configured for %d Hz", freq)
		case errors.Is(err, band.ErrNoPort):
			p.lc.Warnf("band %s has no antenna port enabled", cfg.Bands[idx].Description)
		case err != nil:
			p.lc.Errorf("band lookup for %d Hz: %v", freq, err)
		default:
			p.lc.Infof("%d Hz is in band %s, antenna %d", freq, cfg.Bands[sel.Band].Description, sel.Relay)
			if rerr := p.sel.Request(sel.Relay, sel.Band); rerr != nil {
				p.lc.Errorf("request relay %d: %v", sel.Relay, rerr)
			}
		}
	}
	p.state.Frequency = freq
	p.state.BandIndex = idx
	return nil
}
