package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// Store 管理天线切换配置文件。Get 返回快照，Set 校验后整体写回
type Store struct {
	path string

	mu  sync.RWMutex
	cfg SwitchConfig
}

type document struct {
	AntennaSwitch SwitchConfig `yaml:"AntennaSwitch"`
}

// NewStore 加载 path 处的 YAML 文件，填充默认值并校验
func NewStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewMemoryStore 只在内存中保存 cfg，Set 不写磁盘
func NewMemoryStore(cfg SwitchConfig) *Store {
	ApplyDefaults(&cfg)
	return &Store{cfg: cfg.Clone()}
}

// Parse 解析以 AntennaSwitch 为根的 YAML 文档
func Parse(data []byte) (SwitchConfig, error) {
	var doc document
	doc.AntennaSwitch.AutoMode = true
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SwitchConfig{}, err
	}
	cfg := doc.AntennaSwitch
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return SwitchConfig{}, err
	}
	return cfg, nil
}

// Get 返回当前配置的快照
func (s *Store) Get() SwitchConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Set 校验 cfg，持久化后作为当前配置
func (s *Store) Set(cfg SwitchConfig) error {
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := writeAtomic(s.path, cfg); err != nil {
			return err
		}
	}
	s.cfg = cfg.Clone()
	return nil
}

// Path 返回配置文件路径，内存存储返回空串
func (s *Store) Path() string { return s.path }

func writeAtomic(path string, cfg SwitchConfig) error {
	data, err := yaml.Marshal(document{AntennaSwitch: cfg})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".antswitch-*.yaml")
	if err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	// 写失败时清理临时文件
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}
