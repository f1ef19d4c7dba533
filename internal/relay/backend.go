// Package relay 驱动继电器硬件。各种后端实现同一个 Backend 接口，
// 电平反相和报文格式都封装在需要它们的实现内部。
package relay

import (
	"context"
	"fmt"
	"math/bits"
)

// NumRelays 是每个后端可寻址的输出数
const NumRelays = 16

// Backend 是协调器使用的硬件接口。掩码是逻辑值：
// 第 i 位置 1 表示 i+1 号继电器吸合
type Backend interface {
	// Open 建立连接，已打开时再次调用无效果
	Open(ctx context.Context) error
	Close() error
	// Ping 检查连接是否可用
	Ping(ctx context.Context) error
	// WriteAll 设置全部 16 路输出，返回硬件确认的掩码
	WriteAll(ctx context.Context, mask uint16) (uint16, error)
	// ReadAll 返回当前输出掩码
	ReadAll(ctx context.Context) (uint16, error)
}

// ValidID 校验从 1 开始的继电器编号
func ValidID(id int) error {
	if id < 1 || id > NumRelays {
		return fmt.Errorf("%w: relay %d not in 1..%d", ErrArgument, id, NumRelays)
	}
	return nil
}

// Bit 返回继电器编号对应的掩码位
func Bit(id int) uint16 {
	return 1 << uint(id-1)
}

// Exclusive 返回只有 id 号继电器吸合的掩码
func Exclusive(id int) uint16 {
	if id < 1 || id > NumRelays {
		return 0
	}
	return Bit(id)
}

// Lowest 返回最低置位对应的编号（从 1 开始），掩码为空时返回 0
func Lowest(mask uint16) int {
	if mask == 0 {
		return 0
	}
	return bits.TrailingZeros16(mask) + 1
}
