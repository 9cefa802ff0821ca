package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sunimp/DebugProbe/internal/bridge"
	"github.com/sunimp/DebugProbe/internal/config"
	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/probe"
	"github.com/sunimp/DebugProbe/pkg/protocol"
)

func main() {
	cfgPath := flag.String("config", "", "yaml 配置文件路径")
	settingsURL := flag.String("url", "", "debughub:// 配置地址")
	flag.Parse()

	var cfg *config.Config
	var err error
	switch {
	case *cfgPath != "":
		cfg, err = config.Load(*cfgPath)
	case *settingsURL != "":
		cfg, err = config.ParseSettingsURL(*settingsURL)
	default:
		err = fmt.Errorf("需要 -config 或 -url")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer})

	p, err := probe.New(probe.Options{
		Config: cfg,
		Logger: l,
		DeviceInfo: protocol.DeviceInfo{
			DeviceID:   hostID(),
			Name:       hostname(),
			OS:         "linux",
			AppVersion: "dev",
		},
		OnStateChange: func(s bridge.State) {
			l.Info("桥接状态", "state", string(s))
		},
		OnError: func(err error) {
			l.Err(err, "桥接错误")
		},
	})
	if err != nil {
		l.Err(err, "探针装配失败")
		os.Exit(1)
	}

	// 示例：给默认客户端挂上拦截传输层
	http.DefaultClient.Transport = p.Transport(nil)

	p.Start()
	defer p.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	l.Info("收到退出信号")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func hostID() string {
	return hostname() + "-probe"
}
