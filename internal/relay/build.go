package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// New 按 cfg.Type 构造后端，返回的后端尚未打开
func New(cfg config.RelayConfig, lc logger.LoggingClient) (Backend, error) {
	nopts := NetOptions{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Timeout:           ms(cfg.TimeoutMs),
		SetAllTimeout:     ms(cfg.SetAllTimeoutMs),
		Retries:           cfg.Retries,
		ReconnectCooldown: ms(cfg.ReconnectCooldownMs),
	}
	switch strings.ToLower(cfg.Type) {
	case "tcp":
		return NewTCP(nopts, lc), nil
	case "udp":
		return NewUDP(nopts, lc), nil
	case "localbus":
		return NewLocalBus(cfg.I2CBus, cfg.AddrA, cfg.AddrB, lc), nil
	case "modbus":
		m, err := NewModbus(ModbusOptions{
			Mode:     cfg.ModbusMode,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Device:   cfg.ModbusDevice,
			Baudrate: cfg.Baudrate,
			SlaveID:  cfg.SlaveID,
			Timeout:  ms(cfg.TimeoutMs),
		}, lc)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown relay backend %q", ErrArgument, cfg.Type)
	}
}
