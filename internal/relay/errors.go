package relay

import "errors"

// 继电器后端和协调器返回的错误类别
var (
	// ErrArgument: 继电器编号、波段或端口数超出配置范围
	ErrArgument = errors.New("argument out of range")
	// ErrProtocol: 硬件应答格式错误或不符合预期
	ErrProtocol = errors.New("relay protocol error")
	// ErrTimeout: 命令超时前未收到完整应答
	ErrTimeout = errors.New("relay timeout")
	// ErrConnection: 连接不可用或被重置
	ErrConnection = errors.New("relay connection error")
)

// Retryable 判断 err 是否属于后端会自动重试的类别
func Retryable(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}
