package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// 网络继电器板使用的行协议：
//
//	RELAY-SET_ALL-255,<d1>,<d0>   ->  RELAY-SET_ALL-255,<d1>,<d0>,OK
//	RELAY-STATE-255               ->  RELAY-STATE-255,<d1>,<d0>,OK
//
// d1 对应继电器 9-16，d0 对应继电器 1-8
const (
	cmdPrefix    = "RELAY-"
	cmdSetAll    = "RELAY-SET_ALL-255"
	cmdState     = "RELAY-STATE-255"
	okMarker     = ",OK"
	minRespBytes = 18
)

// FormatSetAll 构造 mask 对应的 SET_ALL 命令，不含行结束符
func FormatSetAll(mask uint16) string {
	return fmt.Sprintf("%s,%d,%d", cmdSetAll, mask>>8, mask&0xFF)
}

// FormatState 构造 STATE 查询，不含行结束符
func FormatState() string {
	return cmdState
}

// ParseResponse 从板子应答中取出 16 位输出掩码。
// 忽略前导噪声和缓冲区中较早的应答，只取最后一条 RELAY- 记录
func ParseResponse(resp string) (uint16, error) {
	pos := strings.LastIndex(resp, cmdPrefix)
	if pos < 0 {
		return 0, fmt.Errorf("%w: no RELAY- record in %q", ErrProtocol, resp)
	}
	s := resp[pos:]
	if len(s) < minRespBytes {
		return 0, fmt.Errorf("%w: response too short %q", ErrProtocol, s)
	}
	if s[5] != '-' || s[6] != 'S' {
		return 0, fmt.Errorf("%w: bad header %q", ErrProtocol, s)
	}

	i := strings.Index(s, "-255")
	if i < 0 {
		return 0, fmt.Errorf("%w: missing -255 in %q", ErrProtocol, s)
	}
	s = s[i+4:]
	c := strings.IndexByte(s, ',')
	if c < 0 || len(s)-c < 4 {
		return 0, fmt.Errorf("%w: missing fields in %q", ErrProtocol, resp)
	}
	s = s[c+1:]

	d1, s, err := parseByte(s)
	if err != nil {
		return 0, fmt.Errorf("%w: d1: %w", ErrProtocol, err)
	}
	if !strings.HasPrefix(s, ",") {
		return 0, fmt.Errorf("%w: d1 not followed by ','", ErrProtocol)
	}
	d0, s, err := parseByte(s[1:])
	if err != nil {
		return 0, fmt.Errorf("%w: d0: %w", ErrProtocol, err)
	}

	s = strings.TrimLeftFunc(s, func(r rune) bool { return r == ',' || r <= ' ' })
	if !strings.HasPrefix(s, "OK") {
		return 0, fmt.Errorf("%w: missing OK in %q", ErrProtocol, resp)
	}
	return uint16(d1)<<8 | uint16(d0), nil
}

// parseByte 读取开头的十进制数 0..255，返回剩余部分
func parseByte(s string) (uint8, string, error) {
	s = strings.TrimLeft(s, " \t")
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, s, fmt.Errorf("not a number at %q", s)
	}
	v, err := strconv.ParseUint(s[:n], 10, 8)
	if err != nil {
		return 0, s, fmt.Errorf("value %s out of range", s[:n])
	}
	return uint8(v), s[n:], nil
}
