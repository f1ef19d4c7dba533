// Package app 组装天线切换的各个部分：配置、继电器后端、协调器、
// CAT 读取、指标端点和 MQTT 状态发布。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linjuya-lu/device_antswitch_go/internal/cat"
	"github.com/linjuya-lu/device_antswitch_go/internal/config"
	"github.com/linjuya-lu/device_antswitch_go/internal/coordinator"
	"github.com/linjuya-lu/device_antswitch_go/internal/metrics"
	"github.com/linjuya-lu/device_antswitch_go/internal/mqttclient"
	"github.com/linjuya-lu/device_antswitch_go/internal/relay"
	"github.com/linjuya-lu/device_antswitch_go/internal/serial"
)

// DefaultGrace 是 Stop 等待 worker 退出的上限
const DefaultGrace = 2 * time.Second

// staleAfter 是 worker 心跳超过多久后 /healthz 返回失败
const staleAfter = 10 * time.Second

// Options 替换按配置构造的组件，零值时全部按配置构造
type Options struct {
	Registry prometheus.Registerer
	Port     serial.Port
	Backend  relay.Backend
}

// Service 持有所有长期运行的部件
type Service struct {
	Store       *config.Store
	Backend     relay.Backend
	Coordinator *coordinator.Coordinator
	Parser      *cat.Parser
	Reader      *cat.Reader
	Metrics     *metrics.Collector
	MQTT        *mqttclient.Client // 未配置 Broker 时为 nil

	lc       logger.LoggingClient
	device   string
	listen   string
	statusCh chan coordinator.Status

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	httpSrv *http.Server
}

// New 按配置构造服务，不启动任何部件
func New(store *config.Store, lc logger.LoggingClient, opts Options) (*Service, error) {
	cfg := store.Get()

	col, err := metrics.NewCollector(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = relay.New(cfg.Relay, lc)
		if err != nil {
			return nil, fmt.Errorf("relay backend: %w", err)
		}
	}

	copts := coordinator.OptionsFromConfig(cfg.Coordinator)
	copts.Liveness = col
	copts.Recorder = col
	coord := coordinator.New(backend, copts, lc)

	port := opts.Port
	if port == nil {
		port, err = serial.NewPort(cfg.CAT)
		if err != nil {
			return nil, fmt.Errorf("CAT port: %w", err)
		}
	}
	parser := cat.NewParser(store, coord, col, lc)

	s := &Service{
		Store:       store,
		Backend:     backend,
		Coordinator: coord,
		Parser:      parser,
		Reader:      cat.NewReader(port, parser, col, lc),
		Metrics:     col,
		lc:          lc,
		device:      cfg.DeviceName,
		listen:      cfg.Metrics.Listen,
		statusCh:    make(chan coordinator.Status, 1),
	}

	if cfg.MQTT.Broker != "" {
		s.MQTT, err = mqttclient.NewClient(mqttclient.OptionsFromConfig(cfg.MQTT), lc)
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
	}

	coord.Subscribe(col.ObserveStatus)
	coord.Subscribe(s.queueStatus)
	return s, nil
}

// Start 启动协调器 worker、CAT 读取、状态发布和指标端点
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.spawn("coordinator", s.Coordinator.Run)
	s.spawn("cat reader", s.Reader.Run)

	if s.MQTT != nil {
		if err := s.MQTT.SubscribeCommands(s.HandleCommand); err != nil {
			s.lc.Warnf("MQTT command subscription: %v", err)
		}
		s.spawn("status publisher", s.publishLoop)
		s.queueStatus(s.Coordinator.Snapshot())
	}

	if s.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.Metrics.Handler())
		mux.HandleFunc("/healthz", s.healthz)
		s.httpSrv = &http.Server{Addr: s.listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv := s.httpSrv
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.lc.Errorf("metrics endpoint %s: %v", s.listen, err)
			}
		}()
		s.lc.Infof("metrics endpoint listening on %s", s.listen)
	}
	s.lc.Infof("antenna switch %s started", s.device)
	return nil
}

func (s *Service) spawn(name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil {
			s.lc.Errorf("%s exited: %v", name, err)
		}
	}()
}

// Stop 取消各 worker，最多等待 grace
func (s *Service) Stop(grace time.Duration) error {
	s.mu.Lock()
	cancel, srv := s.cancel, s.httpSrv
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-time.After(grace):
		errs = append(errs, fmt.Errorf("workers still running after %v", grace))
	}

	if srv != nil {
		ctx, stop := context.WithTimeout(context.Background(), grace)
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics endpoint: %w", err))
		}
		stop()
	}
	if s.MQTT != nil {
		s.MQTT.Disconnect(250)
	}
	s.lc.Infof("antenna switch %s stopped", s.device)
	return errors.Join(errs...)
}

// queueStatus 只为发布者保留最新状态，Broker 慢也不会阻塞继电器 worker
func (s *Service) queueStatus(st coordinator.Status) {
	for {
		select {
		case s.statusCh <- st:
			return
		default:
		}
		select {
		case <-s.statusCh:
		default:
		}
	}
}

func (s *Service) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-s.statusCh:
			msg := mqttclient.NewStatusMessage(s.device, st, s.Parser.State())
			if err := s.MQTT.PublishStatus(msg); err != nil {
				s.lc.Warnf("publish status: %v", err)
			}
		}
	}
}

// HandleCommand 执行一条手动继电器命令
func (s *Service) HandleCommand(cmd mqttclient.Command) error {
	ctx := s.context()
	if cmd.AllOff {
		return s.Coordinator.AllOff(ctx)
	}
	if cmd.State == nil {
		return fmt.Errorf("%w: missing state", mqttclient.ErrBadCommand)
	}
	return s.Coordinator.SetRelay(ctx, cmd.Relay, *cmd.State)
}

// SetAutoMode 打开或关闭按 CAT 频率自动选天线，并持久化
func (s *Service) SetAutoMode(on bool) error {
	return s.Parser.SetAutoMode(on)
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if stale := s.Metrics.Stale(staleAfter); len(stale) > 0 {
		http.Error(w, "stale workers: "+strings.Join(stale, ","), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
