package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/tarm/serial"
)

var errNotOpen = errors.New("port not open")

type UARTPort struct {
	cfg    config.Port
	handle *serial.Port
}

func NewUARTPort(cfg config.Port) *UARTPort {
	return &UARTPort{cfg: cfg}
}

// portConfig 把配置翻译成 tarm/serial 的参数
func portConfig(cfg config.Port) *serial.Config {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baudrate,
		Size:        8,
		ReadTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	switch strings.ToUpper(cfg.Parity) {
	case "E":
		sc.Parity = serial.ParityEven
	case "O":
		sc.Parity = serial.ParityOdd
	}
	if cfg.StopBits == 2 {
		sc.StopBits = serial.Stop2
	}
	return sc
}

func (u *UARTPort) Open() error {
	p, err := serial.OpenPort(portConfig(u.cfg))
	if err != nil {
		return fmt.Errorf("open UART %s failed: %w", u.cfg.Device, err)
	}
	u.handle = p
	return nil
}

func (u *UARTPort) Close() error {
	if u.handle != nil {
		err := u.handle.Close()
		u.handle = nil
		return err
	}
	return nil
}

// Read 在超时内没有数据时返回 0 (或 io.EOF)，调用方按空闲处理
func (u *UARTPort) Read(p []byte) (int, error) {
	if u.handle == nil {
		return 0, errNotOpen
	}
	return u.handle.Read(p)
}

func (u *UARTPort) Write(p []byte) (int, error) {
	if u.handle == nil {
		return 0, errNotOpen
	}
	n, err := u.handle.Write(p)
	if err != nil {
		return n, fmt.Errorf("UART write failed: %w", err)
	}
	return n, nil
}

// Name 返回逻辑名称
func (u *UARTPort) Name() string {
	return u.cfg.Name
}
