// Package band 把电台频率映射到为其配置的天线继电器。
package band

import (
	"errors"
	"fmt"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
)

// ErrNotFound 表示该频率选不出继电器，属于正常情况，不会重试
var ErrNotFound = errors.New("no antenna for frequency")

var (
	// ErrNoBand 包装 ErrNotFound：没有波段包含该频率
	ErrNoBand = fmt.Errorf("%w: no matching band", ErrNotFound)
	// ErrNoPort 包装 ErrNotFound：匹配到波段但没有启用的端口
	ErrNoPort = fmt.Errorf("%w: no enabled port", ErrNotFound)
)

// Selection 是一次成功查找的结果
type Selection struct {
	Band  int // 0-based band index
	Relay int // 1-based relay id
}

// Index 返回闭区间包含 freq 的第一个波段下标（从 0 开始），没有时返回 -1
func Index(cfg config.SwitchConfig, freq uint32) int {
	n := min(cfg.NumBands, len(cfg.Bands), config.MaxBands)
	for i := 0; i < n; i++ {
		b := cfg.Bands[i]
		if freq >= b.StartFreq && freq <= b.EndFreq {
			return i
		}
	}
	return -1
}

// Select 为 freq 选择继电器：先取第一个匹配的波段，再取其第一个启用的端口。
// 调用方负责先检查 AutoMode
func Select(cfg config.SwitchConfig, freq uint32) (Selection, error) {
	i := Index(cfg, freq)
	if i < 0 {
		return Selection{Band: -1}, ErrNoBand
	}
	ports := cfg.Bands[i].AntennaPorts
	n := min(cfg.NumAntennaPorts, len(ports), config.MaxAntennaPorts)
	for j := 0; j < n; j++ {
		if ports[j] {
			return Selection{Band: i, Relay: j + 1}, nil
		}
	}
	return Selection{Band: i}, ErrNoPort
}
