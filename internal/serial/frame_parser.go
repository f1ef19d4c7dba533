package serial

import (
	"bytes"
)

// FrameParser 定义了一个从字节流中提取完整帧的函数类型。
// 它返回：
//   - frame: 抽取出的完整帧（若数据不足以组成完整帧则返回 nil）
//   - rest: 余下未处理的字节（用于下一次解析时继续累积）
//   - err:  解析出错时的错误（此时应丢弃整个缓冲区）
type FrameParser func(buf []byte) (frame []byte, rest []byte, err error)

// Parsers 将协议 ID 映射到对应的 FrameParser 实现。
var Parsers = map[string]FrameParser{
	"cat": ParseCAT,
}

// ParseCAT 取出第一个以 ';' 结尾的 CAT 命令，frame 不含 ';'。
func ParseCAT(buf []byte) ([]byte, []byte, error) {
	return splitAt(buf, ';')
}

func splitAt(buf []byte, term byte) ([]byte, []byte, error) {
	i := bytes.IndexByte(buf, term)
	if i < 0 {
		// 尚未找到结束符，保留全部数据
		return nil, buf, nil
	}
	return buf[:i:i], buf[i+1:], nil
}
