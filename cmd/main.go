// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2018-2022 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/edgexfoundry/device-sdk-go/v4/pkg/startup"

	device_antswitch "github.com/linjuya-lu/device_antswitch_go"
	"github.com/linjuya-lu/device_antswitch_go/internal/driver"
)

const (
	serviceName string = "device-antswitch"
)

func main() {
	d := driver.NewAntennaSwitchDriver()
	startup.Bootstrap(serviceName, device_antswitch.Version, d)
}
