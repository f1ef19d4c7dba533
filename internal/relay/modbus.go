package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/goburrow/modbus"
)

// ModbusOptions 描述从地址 0 开始提供 16 个线圈的 Modbus 继电器板
type ModbusOptions struct {
	Mode     string // tcp 或 rtu
	Host     string
	Port     int
	Device   string // rtu 串口设备
	Baudrate int
	SlaveID  byte
	Timeout  time.Duration
}

type coilClient interface {
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
}

type connector interface {
	Connect() error
	Close() error
}

// Modbus 通过线圈 0..15 驱动继电器板，请求串行执行
type Modbus struct {
	lc     logger.LoggingClient
	mu     sync.Mutex
	conn   connector
	client coilClient
	open   bool
}

// NewModbus 按 opts 构造 TCP 或 RTU 客户端
func NewModbus(opts ModbusOptions, lc logger.LoggingClient) (*Modbus, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	switch opts.Mode {
	case "tcp", "":
		h := modbus.NewTCPClientHandler(net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
		h.Timeout = opts.Timeout
		h.SlaveId = opts.SlaveID
		return &Modbus{lc: lc, conn: h, client: modbus.NewClient(h)}, nil
	case "rtu":
		h := modbus.NewRTUClientHandler(opts.Device)
		h.BaudRate = opts.Baudrate
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = opts.Timeout
		h.SlaveId = opts.SlaveID
		return &Modbus{lc: lc, conn: h, client: modbus.NewClient(h)}, nil
	default:
		return nil, fmt.Errorf("%w: modbus mode %q", ErrArgument, opts.Mode)
	}
}

func (m *Modbus) Open(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	if err := m.conn.Connect(); err != nil {
		return fmt.Errorf("%w: modbus connect: %w", ErrConnection, err)
	}
	m.open = true
	return nil
}

func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return m.conn.Close()
}

func (m *Modbus) Ping(ctx context.Context) error {
	_, err := m.ReadAll(ctx)
	return err
}

func (m *Modbus) WriteAll(_ context.Context, mask uint16) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.client.WriteMultipleCoils(0, NumRelays, []byte{byte(mask), byte(mask >> 8)}); err != nil {
		return 0, modbusErr("write coils", err)
	}
	got, err := m.readLocked()
	if err != nil {
		return 0, err
	}
	if got != mask {
		return got, fmt.Errorf("%w: coils read back 0x%04X, wrote 0x%04X", ErrProtocol, got, mask)
	}
	return got, nil
}

func (m *Modbus) ReadAll(_ context.Context) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked()
}

func (m *Modbus) readLocked() (uint16, error) {
	res, err := m.client.ReadCoils(0, NumRelays)
	if err != nil {
		return 0, modbusErr("read coils", err)
	}
	if len(res) < 2 {
		return 0, fmt.Errorf("%w: short coil response %d bytes", ErrProtocol, len(res))
	}
	return uint16(res[0]) | uint16(res[1])<<8, nil
}

func modbusErr(op string, err error) error {
	var me *modbus.ModbusError
	if errors.As(err, &me) {
		return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
	}
	return fmt.Errorf("%s: %w", op, classify(err, nil))
}
