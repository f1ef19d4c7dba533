// 不依赖 EdgeX core 的独立运行方式
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/linjuya-lu/device_antswitch_go/internal/app"
)

func main() {
	cfgPath := flag.String("config", "./res/antenna-switch.yaml", "antenna switch configuration file")
	flag.Parse()

	if err := app.Run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "antswitch: %v\n", err)
		os.Exit(1)
	}
}
