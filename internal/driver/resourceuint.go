// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2025 YourCompany
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"

	"github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"

	"github.com/linjuya-lu/device_antswitch_go/internal/app"
	"github.com/linjuya-lu/device_antswitch_go/internal/mqttclient"
)

// resourceUint 负责读写无符号整型 DeviceResource：
// Frequency(Uint32)、SelectedRelay(Uint8)、RelayStates(Uint16)
type resourceUint struct {
	svc *app.Service
}

func (ru *resourceUint) value(deviceResourceName string) (*models.CommandValue, error) {
	var cv *models.CommandValue
	var err error

	switch deviceResourceName {
	case ResFrequency:
		cv, err = models.NewCommandValue(deviceResourceName, common.ValueTypeUint32, ru.svc.Parser.State().Frequency)
	case ResSelectedRelay:
		cv, err = models.NewCommandValue(deviceResourceName, common.ValueTypeUint8, uint8(ru.svc.Coordinator.Selected()))
	case ResRelayStates:
		cv, err = models.NewCommandValue(deviceResourceName, common.ValueTypeUint16, ru.svc.Coordinator.GetAllStates())
	default:
		return nil, fmt.Errorf("unsupported unsigned integer resource: %s", deviceResourceName)
	}

	if err != nil {
		return nil, fmt.Errorf("creating Uint CommandValue: %w", err)
	}
	return cv, nil
}

// write 只接受 SelectedRelay：0 全部断开，1..16 手动选中该继电器
func (ru *resourceUint) write(param *models.CommandValue, deviceResourceName string) error {
	if deviceResourceName != ResSelectedRelay {
		return fmt.Errorf("%s: %w", deviceResourceName, errNotWritable)
	}

	var id int
	switch param.Type {
	case common.ValueTypeUint8:
		v, err := param.Uint8Value()
		if err != nil {
			return fmt.Errorf("invalid uint write for %s: %w", deviceResourceName, err)
		}
		id = int(v)
	case common.ValueTypeUint16:
		v, err := param.Uint16Value()
		if err != nil {
			return fmt.Errorf("invalid uint write for %s: %w", deviceResourceName, err)
		}
		id = int(v)
	default:
		return fmt.Errorf("resourceUint.write: unsupported type %s", param.Type)
	}

	if id == 0 {
		return ru.svc.HandleCommand(mqttclient.Command{AllOff: true})
	}
	on := true
	return ru.svc.HandleCommand(mqttclient.Command{Relay: id, State: &on})
}
