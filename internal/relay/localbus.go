package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// LocalBus 驱动 I²C 总线上的两片 PCF8574：寄存器 A 对应输出 1-8，
// 寄存器 B 对应输出 9-16。扩展芯片低电平有效且这里只写不读，
// 所以原始寄存器内容的 16 位影子是吸合状态的唯一记录。
type LocalBus struct {
	lc    logger.LoggingClient
	addrA uint16
	addrB uint16
	open  func() (i2c.BusCloser, error)

	mu     sync.Mutex
	bus    i2c.BusCloser
	shadow uint16 // 原始值，位为 0 表示继电器吸合
	inited bool
}

// NewLocalBus 在 Open 时通过 periph 主机驱动打开 busName（空串表示第一条总线）
func NewLocalBus(busName string, addrA, addrB uint16, lc logger.LoggingClient) *LocalBus {
	return newLocalBus(func() (i2c.BusCloser, error) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("periph host init: %w", err)
		}
		return i2creg.Open(busName)
	}, addrA, addrB, lc)
}

func newLocalBus(open func() (i2c.BusCloser, error), addrA, addrB uint16, lc logger.LoggingClient) *LocalBus {
	return &LocalBus{lc: lc, addrA: addrA, addrB: addrB, open: open, shadow: 0xFFFF}
}

// Open 连接总线。首次打开时关闭所有输出，之后重新打开时恢复影子状态
func (l *LocalBus) Open(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bus != nil {
		return nil
	}
	bus, err := l.open()
	if err != nil {
		return fmt.Errorf("%w: open i2c bus: %w", ErrConnection, err)
	}
	l.bus = bus

	raw := l.shadow
	if !l.inited {
		raw = 0xFFFF
	}
	if err := l.writeRaw(raw); err != nil {
		l.bus.Close()
		l.bus = nil
		return err
	}
	l.shadow = raw
	l.inited = true
	l.lc.Infof("PCF8574 expanders 0x%02X/0x%02X ready on %s", l.addrA, l.addrB, bus)
	return nil
}

func (l *LocalBus) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bus == nil {
		return nil
	}
	err := l.bus.Close()
	l.bus = nil
	return err
}

func (l *LocalBus) Ping(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bus == nil {
		return fmt.Errorf("%w: i2c bus not open", ErrConnection)
	}
	return nil
}

// SetOutput 切换单路输出，下标 0..15
func (l *LocalBus) SetOutput(index int, on bool) error {
	if index < 0 || index >= NumRelays {
		return fmt.Errorf("%w: output %d", ErrArgument, index)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bus == nil {
		return fmt.Errorf("%w: i2c bus not open", ErrConnection)
	}

	addr, shift := l.addrA, uint(0)
	if index >= 8 {
		addr, shift = l.addrB, 8
	}
	b := byte(l.shadow >> shift)
	bit := byte(1) << uint(index%8)
	if on {
		b &^= bit
	} else {
		b |= bit
	}
	if err := l.writeByte(addr, b); err != nil {
		return err
	}
	l.shadow = l.shadow&^(0xFF<<shift) | uint16(b)<<shift
	return nil
}

// GetOutputState 从影子读取单路输出，不访问总线
func (l *LocalBus) GetOutputState(index int) (bool, error) {
	if index < 0 || index >= NumRelays {
		return false, fmt.Errorf("%w: output %d", ErrArgument, index)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shadow&(1<<uint(index)) == 0, nil
}

// SetAllOutputs 只吸合 mask 中置位的输出
func (l *LocalBus) SetAllOutputs(mask uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bus == nil {
		return fmt.Errorf("%w: i2c bus not open", ErrConnection)
	}
	if err := l.writeRaw(^mask); err != nil {
		return err
	}
	l.shadow = ^mask
	return nil
}

// GetAllOutputs 从影子返回逻辑掩码
func (l *LocalBus) GetAllOutputs() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ^l.shadow
}

func (l *LocalBus) WriteAll(_ context.Context, mask uint16) (uint16, error) {
	if err := l.SetAllOutputs(mask); err != nil {
		return 0, err
	}
	return l.GetAllOutputs(), nil
}

func (l *LocalBus) ReadAll(_ context.Context) (uint16, error) {
	return l.GetAllOutputs(), nil
}

// writeRaw 写两个寄存器。A 成功而 B 失败时把 A 写回原值，
// 硬件不会停在切换一半的状态
func (l *LocalBus) writeRaw(raw uint16) error {
	if err := l.writeByte(l.addrA, byte(raw)); err != nil {
		return err
	}
	if err := l.writeByte(l.addrB, byte(raw>>8)); err != nil {
		if rerr := l.writeByte(l.addrA, byte(l.shadow)); rerr != nil {
			l.lc.Errorf("restore PCF8574 0x%02X failed: %v", l.addrA, rerr)
		}
		return err
	}
	return nil
}

func (l *LocalBus) writeByte(addr uint16, b byte) error {
	d := i2c.Dev{Bus: l.bus, Addr: addr}
	if _, err := d.Write([]byte{b}); err != nil {
		return fmt.Errorf("%w: PCF8574 0x%02X write: %w", ErrConnection, addr, err)
	}
	return nil
}
