package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid 表示配置校验失败
var ErrInvalid = errors.New("invalid config")

// 加载时填充零值字段的默认值
const (
	DefaultCooldownMs          = 50
	DefaultPollIntervalMs      = 20
	DefaultHealthCheckMs       = 5000
	DefaultRelayTimeoutMs      = 500
	DefaultSetAllTimeoutMs     = 1000
	DefaultRetries             = 2
	DefaultReconnectCooldownMs = 5000
	DefaultRelayPort           = 4196
	DefaultCATBaudrate         = 9600
	DefaultCATTimeoutMs        = 20
	DefaultAddrA               = 0x20
	DefaultAddrB               = 0x21
	DefaultNumAntennaPorts     = 6
	DefaultStatusTopic         = "antswitch/status"
	DefaultCommandTopic        = "antswitch/command"
)

// ApplyDefaults 为零值字段填充默认值，不覆盖已设置的值
func ApplyDefaults(c *SwitchConfig) {
	if c.DeviceName == "" {
		c.DeviceName = "antenna-switch"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.NumBands == 0 {
		c.NumBands = min(len(c.Bands), MaxBands)
	}
	if c.NumAntennaPorts == 0 {
		c.NumAntennaPorts = DefaultNumAntennaPorts
	}

	if c.CAT.Name == "" {
		c.CAT.Name = "cat"
	}
	if c.CAT.Type == "" {
		c.CAT.Type = "uart"
	}
	if c.CAT.Baudrate == 0 {
		c.CAT.Baudrate = DefaultCATBaudrate
	}
	if c.CAT.TimeoutMs == 0 {
		c.CAT.TimeoutMs = DefaultCATTimeoutMs
	}
	if c.CAT.Parity == "" {
		c.CAT.Parity = "N"
	}
	if c.CAT.StopBits == 0 {
		c.CAT.StopBits = 1
	}

	r := &c.Relay
	if r.Type == "" {
		r.Type = "tcp"
	}
	if r.Port == 0 {
		r.Port = DefaultRelayPort
		if strings.EqualFold(r.Type, "modbus") {
			r.Port = 502
		}
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = DefaultRelayTimeoutMs
	}
	if r.SetAllTimeoutMs == 0 {
		r.SetAllTimeoutMs = DefaultSetAllTimeoutMs
	}
	if r.Retries == 0 {
		r.Retries = DefaultRetries
	}
	if r.ReconnectCooldownMs == 0 {
		r.ReconnectCooldownMs = DefaultReconnectCooldownMs
	}
	if r.AddrA == 0 {
		r.AddrA = DefaultAddrA
	}
	if r.AddrB == 0 {
		r.AddrB = DefaultAddrB
	}
	if r.ModbusMode == "" {
		r.ModbusMode = "tcp"
	}
	if r.SlaveID == 0 {
		r.SlaveID = 1
	}
	if r.Baudrate == 0 {
		r.Baudrate = 9600
	}

	k := &c.Coordinator
	if k.PollIntervalMs == 0 {
		k.PollIntervalMs = DefaultPollIntervalMs
	}
	if k.CooldownMs == 0 {
		k.CooldownMs = DefaultCooldownMs
	}
	if k.HealthCheckMs == 0 {
		k.HealthCheckMs = DefaultHealthCheckMs
	}

	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = DefaultStatusTopic
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = DefaultCommandTopic
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
}

// Validate 检查结构边界。不检查波段重叠，取第一个匹配的波段
func Validate(c SwitchConfig) error {
	var errs []error
	if c.NumBands < 1 || c.NumBands > MaxBands {
		errs = append(errs, fmt.Errorf("NumBands %d out of range 1..%d", c.NumBands, MaxBands))
	}
	if c.NumBands > len(c.Bands) {
		errs = append(errs, fmt.Errorf("NumBands %d but only %d bands configured", c.NumBands, len(c.Bands)))
	}
	if c.NumAntennaPorts < 1 || c.NumAntennaPorts > MaxAntennaPorts {
		errs = append(errs, fmt.Errorf("NumAntennaPorts %d out of range 1..%d", c.NumAntennaPorts, MaxAntennaPorts))
	}
	for i, b := range c.Bands {
		if b.StartFreq > b.EndFreq {
			errs = append(errs, fmt.Errorf("band %d (%s): startFreq %d > endFreq %d", i, b.Description, b.StartFreq, b.EndFreq))
		}
	}

	switch strings.ToLower(c.Relay.Type) {
	case "tcp", "udp":
		if c.Relay.Host == "" {
			errs = append(errs, fmt.Errorf("relay %s backend needs host", c.Relay.Type))
		}
		if c.Relay.Port < 1 || c.Relay.Port > 65535 {
			errs = append(errs, fmt.Errorf("relay port %d out of range", c.Relay.Port))
		}
	case "localbus":
		if c.Relay.AddrA == c.Relay.AddrB {
			errs = append(errs, fmt.Errorf("localbus addrA and addrB both 0x%02X", c.Relay.AddrA))
		}
	case "modbus":
		switch c.Relay.ModbusMode {
		case "tcp":
			if c.Relay.Host == "" {
				errs = append(errs, errors.New("modbus tcp backend needs host"))
			}
		case "rtu":
			if c.Relay.ModbusDevice == "" {
				errs = append(errs, errors.New("modbus rtu backend needs modbusDevice"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown modbusMode %q", c.Relay.ModbusMode))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay type %q", c.Relay.Type))
	}

	switch strings.ToUpper(c.CAT.Parity) {
	case "N", "E", "O":
	default:
		errs = append(errs, fmt.Errorf("CAT parity %q", c.CAT.Parity))
	}
	if c.CAT.StopBits != 1 && c.CAT.StopBits != 2 {
		errs = append(errs, fmt.Errorf("CAT stopBits %d", c.CAT.StopBits))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
