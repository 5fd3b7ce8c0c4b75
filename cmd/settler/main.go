package main

import (
	"context"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"

	"launchpad/internal/app"
	"launchpad/pkg/config"
)

func main() {
	// 配置日志格式
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})

	settings, err := config.Load()
	if err != nil {
		logger.Fatalf("> 加载配置失败: %v", err)
	}
	if settings.LogFile == "" {
		settings.LogFile = "logs/presale_settlement.log"
	}
	settings.ConfigureLogging()
	logger.Info("> 开始初始化程序...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库连接
	config.MustInitDB(settings)
	logger.Info("> 数据库连接初始化完成")

	a, err := app.Build(ctx, settings, config.DB)
	if err != nil {
		logger.Fatalf("> 初始化结算引擎失败: %v", err)
	}
	if _, err := a.ConnectQueue(); err != nil {
		logger.Fatalf("> 初始化 RabbitMQ 失败: %v", err)
	}
	defer a.Close()

	// 启动时先跑一次，补上停机期间到期的预售
	if result, err := a.Scheduler.CheckAndSettleDuePresales(ctx); err != nil {
		logger.Errorf("> 首次结算扫描失败: %v", err)
	} else {
		logger.Infof("> 首次结算扫描完成: checked=%d succeeded=%d failed=%d skipped=%d",
			result.Checked, result.Succeeded, result.Failed, result.Skipped)
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		logger.Fatalf("> 添加定时任务失败: %v", err)
	}
	logger.Infof("> 定时任务已启动: %s", a.Scheduler.Schedule())

	<-ctx.Done()
	logger.Info("> 收到退出信号，等待当前结算完成")
	a.Scheduler.Stop()
}
