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
)

// resourceString 负责电台工作模式 Mode（只读）
type resourceString struct {
	svc *app.Service
}

func (rs *resourceString) value(deviceResourceName string) (*models.CommandValue, error) {
	cv, err := models.NewCommandValue(deviceResourceName, common.ValueTypeString, rs.svc.Parser.State().Mode)
	if err != nil {
		return nil, fmt.Errorf("creating CommandValue: %w", err)
	}
	return cv, nil
}

func (rs *resourceString) write(_ *models.CommandValue, deviceResourceName string) error {
	return fmt.Errorf("%s: %w", deviceResourceName, errNotWritable)
}
