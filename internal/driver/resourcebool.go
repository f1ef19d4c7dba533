// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2025 YourCompany
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"

	"github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"

	"github.com/linjuya-lu/device_antswitch_go/internal/app"
	"github.com/linjuya-lu/device_antswitch_go/internal/mqttclient"
)

// errNotWritable 表示只读资源收到写命令
var errNotWritable = errors.New("resource is read-only")

// resourceBool 负责读写布尔类型的 DeviceResource：Transmitting、AutoMode、Relay1..Relay16
type resourceBool struct {
	svc *app.Service
}

func (rb *resourceBool) value(deviceResourceName string) (*models.CommandValue, error) {
	var b bool
	switch deviceResourceName {
	case ResTransmitting:
		b = rb.svc.Parser.State().Transmitting
	case ResAutoMode:
		b = rb.svc.Store.Get().AutoMode
	default:
		id, _ := relayIndex(deviceResourceName)
		on, err := rb.svc.Coordinator.GetRelayState(id)
		if err != nil {
			return nil, err
		}
		b = on
	}

	cv, err := models.NewCommandValue(deviceResourceName, common.ValueTypeBool, b)
	if err != nil {
		return nil, fmt.Errorf("creating CommandValue: %w", err)
	}
	return cv, nil
}

// write 下发布尔命令：AutoMode 持久化到配置，RelayN 走手动切换路径
func (rb *resourceBool) write(param *models.CommandValue, deviceResourceName string) error {
	b, err := param.BoolValue()
	if err != nil {
		return fmt.Errorf("invalid bool write for %s: %w", deviceResourceName, err)
	}

	switch deviceResourceName {
	case ResTransmitting:
		return fmt.Errorf("%s: %w", deviceResourceName, errNotWritable)
	case ResAutoMode:
		return rb.svc.SetAutoMode(b)
	}
	id, _ := relayIndex(deviceResourceName)
	return rb.svc.HandleCommand(mqttclient.Command{Relay: id, State: &b})
}
