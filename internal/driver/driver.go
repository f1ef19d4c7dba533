// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2019-2023 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

// Package driver 实现 ProtocolDriver 接口。
package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgexfoundry/device-sdk-go/v4/pkg/interfaces"
	dsModels "github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/errors"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/models"

	"github.com/linjuya-lu/device_antswitch_go/internal/app"
	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/coordinator"
	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
)

const (
	// ConfigPathKey 是 DriverConfigs 中指向天线切换配置文件的键
	ConfigPathKey = "AntennaSwitchConfig"
	// DefaultConfigPath 在 DriverConfigs 未配置时使用
	DefaultConfigPath = "./res/antenna-switch.yaml"

	// StatusSource 是继电器状态异步上报使用的 source 名
	StatusSource = "RelayStatus"
)

// 设备资源名
const (
	ResFrequency     = "Frequency"
	ResMode          = "Mode"
	ResTransmitting  = "Transmitting"
	ResSelectedRelay = "SelectedRelay"
	ResRelayStates   = "RelayStates"
	ResAutoMode      = "AutoMode"
	relayPrefix      = "Relay" // Relay1..Relay16
)

// resource 读写一类 DeviceResource
type resource interface {
	value(deviceResourceName string) (*dsModels.CommandValue, error)
	write(param *dsModels.CommandValue, deviceResourceName string) error
}

type AntennaSwitchDriver struct {
	lc      logger.LoggingClient
	asyncCh chan<- *dsModels.AsyncValues
	locker  sync.Mutex
	sdk     interfaces.DeviceServiceSDK
	svc     *app.Service
	device  string

	bools resource
	uints resource
	strs  resource
}

var once sync.Once
var driver *AntennaSwitchDriver

func NewAntennaSwitchDriver() interfaces.ProtocolDriver {
	once.Do(func() {
		driver = new(AntennaSwitchDriver)
	})
	return driver
}

func (d *AntennaSwitchDriver) Initialize(sdk interfaces.DeviceServiceSDK) error {
	d.sdk = sdk
	d.lc = sdk.LoggingClient()
	d.asyncCh = sdk.AsyncValuesChannel()

	path := sdk.DriverConfigs()[ConfigPathKey]
	if path == "" {
		path = DefaultConfigPath
	}
	store, err := config.NewStore(path)
	if err != nil {
		return fmt.Errorf("加载天线切换配置失败: %w", err)
	}
	svc, err := app.New(store, d.lc, app.Options{})
	if err != nil {
		return fmt.Errorf("初始化天线切换服务失败: %w", err)
	}
	d.attach(svc, store.Get().DeviceName)
	return nil
}

// attach 绑定服务实例并注册状态推送
func (d *AntennaSwitchDriver) attach(svc *app.Service, device string) {
	d.svc = svc
	d.device = device
	d.bools = &resourceBool{svc: svc}
	d.uints = &resourceUint{svc: svc}
	d.strs = &resourceString{svc: svc}
	svc.Coordinator.Subscribe(d.pushStatus)
}

func (d *AntennaSwitchDriver) Start() error {
	if err := d.svc.Start(context.Background()); err != nil {
		return err
	}
	d.lc.Infof("天线切换服务已启动")
	return nil
}

func (d *AntennaSwitchDriver) HandleReadCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest) (res []*dsModels.CommandValue, err error) {
	d.locker.Lock()
	defer d.locker.Unlock()

	res = make([]*dsModels.CommandValue, len(reqs))
	for i, req := range reqs {
		r, err := d.resourceFor(req.DeviceResourceName)
		if err != nil {
			return nil, err
		}
		cv, err := r.value(req.DeviceResourceName)
		if err != nil {
			return nil, toEdgeX(fmt.Sprintf("读取 %s.%s 失败", deviceName, req.DeviceResourceName), err)
		}
		res[i] = cv
		d.lc.Debugf("读取值: %s.%s = %v", deviceName, req.DeviceResourceName, cv.Value)
	}
	return res, nil
}

func (d *AntennaSwitchDriver) HandleWriteCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest,
	params []*dsModels.CommandValue) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	for i, req := range reqs {
		resName := req.DeviceResourceName
		r, err := d.resourceFor(resName)
		if err != nil {
			return err
		}
		if err := r.write(params[i], resName); err != nil {
			return toEdgeX(fmt.Sprintf("写入 %s.%s 失败", deviceName, resName), err)
		}
		d.lc.Infof("写入值: %s.%s = %v", deviceName, resName, params[i].Value)
	}
	return nil
}

func (d *AntennaSwitchDriver) resourceFor(name string) (resource, error) {
	switch name {
	case ResFrequency, ResSelectedRelay, ResRelayStates:
		return d.uints, nil
	case ResMode:
		return d.strs, nil
	case ResTransmitting, ResAutoMode:
		return d.bools, nil
	}
	if _, ok := relayIndex(name); ok {
		return d.bools, nil
	}
	return nil, errors.NewCommonEdgeX(errors.KindEntityDoesNotExist, fmt.Sprintf("unknown device resource %s", name), nil)
}

// relayIndex 解析 RelayN 资源名，N 为 1..16
func relayIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, relayPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || relay.ValidID(n) != nil {
		return 0, false
	}
	return n, true
}

// pushStatus 把确认后的继电器状态作为异步读数上报
func (d *AntennaSwitchDriver) pushStatus(st coordinator.Status) {
	if d.asyncCh == nil {
		return
	}
	now := time.Now().UnixNano()
	sel, err := dsModels.NewCommandValueWithOrigin(ResSelectedRelay, common.ValueTypeUint8, uint8(st.Selected), now)
	if err != nil {
		d.lc.Errorf("build %s value: %v", ResSelectedRelay, err)
		return
	}
	states, err := dsModels.NewCommandValueWithOrigin(ResRelayStates, common.ValueTypeUint16, st.States, now)
	if err != nil {
		d.lc.Errorf("build %s value: %v", ResRelayStates, err)
		return
	}
	av := &dsModels.AsyncValues{
		DeviceName:    d.device,
		SourceName:    StatusSource,
		CommandValues: []*dsModels.CommandValue{sel, states},
	}
	// 不阻塞继电器 worker
	select {
	case d.asyncCh <- av:
	default:
		d.lc.Warnf("async channel full, relay status for %s dropped", d.device)
	}
}

// toEdgeX 把内部错误分类映射到 EdgeX 错误类型
func toEdgeX(msg string, err error) errors.EdgeX {
	kind := errors.KindServerError
	switch {
	case stderrors.Is(err, errNotWritable):
		kind = errors.KindNotAllowed
	case stderrors.Is(err, relay.ErrArgument), stderrors.Is(err, config.ErrInvalid):
		kind = errors.KindContractInvalid
	case stderrors.Is(err, relay.ErrConnection):
		kind = errors.KindServiceUnavailable
	case stderrors.Is(err, relay.ErrProtocol), stderrors.Is(err, relay.ErrTimeout):
		kind = errors.KindCommunicationError
	}
	return errors.NewCommonEdgeX(kind, msg, err)
}

func (d *AntennaSwitchDriver) Stop(force bool) error {
	d.lc.Info("AntennaSwitchDriver.Stop: antenna switch driver is stopping...")
	if d.svc == nil {
		return nil
	}
	grace := app.DefaultGrace
	if force {
		grace = 0
	}
	return d.svc.Stop(grace)
}

func (d *AntennaSwitchDriver) AddDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	d.lc.Debugf("a new Device is added: %s", deviceName)
	return nil
}

func (d *AntennaSwitchDriver) UpdateDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	d.lc.Debugf("Device %s is updated", deviceName)
	return nil
}

func (d *AntennaSwitchDriver) RemoveDevice(deviceName string, protocols map[string]models.ProtocolProperties) error {
	d.lc.Debugf("Device %s is removed", deviceName)
	return nil
}

func (d *AntennaSwitchDriver) Discover() error {
	return fmt.Errorf("driver's Discover function isn't implemented")
}

func (d *AntennaSwitchDriver) ValidateDevice(device models.Device) error {
	d.lc.Debug("Driver's ValidateDevice function isn't implemented")
	return nil
}
