package config

const (
	// MaxBands 是配置可容纳的波段数
	MaxBands = 10
	// MaxAntennaPorts 是每个波段可启用的天线端口数
	MaxAntennaPorts = 8
	// NumRelays 是后端可寻址的继电器输出数
	NumRelays = 16
)

// Port 描述一个串口设备
type Port struct {
	Name      string `yaml:"name"`      // 逻辑名
	Device    string `yaml:"device"`    // 设备节点，如 /dev/ttyUSB0
	Type      string `yaml:"type"`      // uart/rs232
	Baudrate  int    `yaml:"baudrate"`  // 波特率
	Parity    string `yaml:"parity"`    // N/E/O
	StopBits  int    `yaml:"stopBits"`  // 1 or 2
	TimeoutMs int    `yaml:"timeoutMs"` // 读超时（毫秒）
}

// BandConfig 把闭区间频率范围映射到允许使用的天线端口
type BandConfig struct {
	Description  string `yaml:"description"`
	StartFreq    uint32 `yaml:"startFreq"` // Hz
	EndFreq      uint32 `yaml:"endFreq"`   // Hz，含端点
	AntennaPorts []bool `yaml:"antennaPorts"`
}

// RelayConfig 选择继电器后端并提供参数
type RelayConfig struct {
	Type string `yaml:"type"` // tcp/udp/localbus/modbus

	// 网络型
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	TimeoutMs           int    `yaml:"timeoutMs"`
	SetAllTimeoutMs     int    `yaml:"setAllTimeoutMs"`
	Retries             int    `yaml:"retries"`
	ReconnectCooldownMs int    `yaml:"reconnectCooldownMs"`

	// 本地总线
	I2CBus string `yaml:"i2cBus"` // "" = first bus found
	AddrA  uint16 `yaml:"addrA"`  // 输出 1-8
	AddrB  uint16 `yaml:"addrB"`  // 输出 9-16

	// modbus
	ModbusMode   string `yaml:"modbusMode"` // tcp/rtu
	ModbusDevice string `yaml:"modbusDevice"`
	SlaveID      byte   `yaml:"slaveId"`
	Baudrate     int    `yaml:"baudrate"`
}

// CoordinatorConfig 调整继电器切换 worker
type CoordinatorConfig struct {
	PollIntervalMs int   `yaml:"pollIntervalMs"`
	CooldownMs     int   `yaml:"cooldownMs"`
	HealthCheckMs  int   `yaml:"healthCheckMs"`
	Exclusive      *bool `yaml:"exclusive"`
}

// MQTTConfig 配置状态发布
type MQTTConfig struct {
	Broker       string `yaml:"broker"` // tcp://host:port，为空时不启用 MQTT
	ClientID     string `yaml:"clientId"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	StatusTopic  string `yaml:"statusTopic"`
	CommandTopic string `yaml:"commandTopic"`
	KeepAliveSec int    `yaml:"keepAliveSec"`
}

// MetricsConfig 配置 Prometheus 端点
type MetricsConfig struct {
	Listen string `yaml:"listen"` // 如 ":9108"，为空时不启用端点
}

// SwitchConfig 是完整的天线切换配置
type SwitchConfig struct {
	DeviceName      string            `yaml:"DeviceName"`
	LogLevel        string            `yaml:"LogLevel"`
	AutoMode        bool              `yaml:"AutoMode"`
	NumBands        int               `yaml:"NumBands"`
	NumAntennaPorts int               `yaml:"NumAntennaPorts"`
	Bands           []BandConfig      `yaml:"Bands"`
	CAT             Port              `yaml:"CAT"`
	Relay           RelayConfig       `yaml:"Relay"`
	Coordinator     CoordinatorConfig `yaml:"Coordinator"`
	MQTT            MQTTConfig        `yaml:"MQTT"`
	Metrics         MetricsConfig     `yaml:"Metrics"`
}

// Clone 返回深拷贝，快照不会与存储共享切片
func (c SwitchConfig) Clone() SwitchConfig {
	out := c
	if c.Bands != nil {
		out.Bands = make([]BandConfig, len(c.Bands))
		for i, b := range c.Bands {
			out.Bands[i] = b
			out.Bands[i].AntennaPorts = append([]bool(nil), b.AntennaPorts...)
		}
	}
	if c.Coordinator.Exclusive != nil {
		v := *c.Coordinator.Exclusive
		out.Coordinator.Exclusive = &v
	}
	return out
}

// IsExclusive 判断选择继电器时是否关闭其他继电器，默认为 true
func (c CoordinatorConfig) IsExclusive() bool {
	return c.Exclusive == nil || *c.Exclusive
}

// Source 是核心逻辑读写配置的接口
type Source interface {
	Get() SwitchConfig
	Set(SwitchConfig) error
}
