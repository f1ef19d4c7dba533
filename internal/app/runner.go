package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_antswitch_go/internal/config"
)

// Run 启动天线切换服务，并拦截 SIGINT/SIGTERM，在收到信号时优雅关闭。
// 它会阻塞直到收到退出信号。
func Run(cfgPath string) error {
	// 父 Context：监听 SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 检查配置文件是否存在
	if _, err := os.Stat(cfgPath); err != nil {
		return fmt.Errorf("无法访问配置文件 '%s': %w", cfgPath, err)
	}
	store, err := config.NewStore(cfgPath)
	if err != nil {
		return err
	}
	cfg := store.Get()
	lc := logger.NewClient(cfg.DeviceName, cfg.LogLevel)

	// 2. 组装并启动
	svc, err := New(store, lc, Options{})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// 3. 等待 SIGINT/SIGTERM
	<-ctx.Done()
	lc.Infof("收到终止信号，正在关闭...")

	// 4. 限时等待各 worker 退出
	return svc.Stop(DefaultGrace)
}
