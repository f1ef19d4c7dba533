// internal/serial/serial.go

package serial

import (
	"fmt"
	"strings"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
)

// Port 是 serial 包对外暴露的通用串口接口
type Port interface {
	Open() error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Name() string
}

// NewPort 根据配置创建对应的串口实现。RS-232 只是电平不同，与 UART 共用实现。
func NewPort(cfg config.Port) (Port, error) {
	switch strings.ToLower(cfg.Type) {
	case "uart", "rs232", "":
		return NewUARTPort(cfg), nil
	default:
		return nil, fmt.Errorf("unknown port type %s", cfg.Type)
	}
}
