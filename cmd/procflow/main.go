package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/internal/rest"
	"github.com/procflow/procflow/internal/sql"
	"github.com/procflow/procflow/pkg/bpmn"
	"github.com/procflow/procflow/pkg/script/js"
)

func main() {
	conf := config.InitConfig()
	log.Init(conf.Name, conf.Log.Level, conf.Log.Json)
	logger := log.Base()

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	store, err := sql.Connect(conf.Store.Driver, conf.Store.DSN, logger.Named("store"))
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine, err := bpmn.NewEngine(store,
		bpmn.EngineWithLogger(logger),
		bpmn.EngineWithRequeueDelay(conf.Worker.RequeueDelay),
		bpmn.EngineWithScriptRuntime("javascript", js.NewJsRuntime(appContext, 10, 2)),
	)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	dispatcherOptions := []bpmn.DispatcherOption{
		bpmn.DispatcherWithInterval(conf.Worker.Interval),
	}
	if conf.Worker.LockName != "" {
		dispatcherOptions = append(dispatcherOptions, bpmn.DispatcherWithLockName(conf.Worker.LockName))
	}
	dispatcher := bpmn.NewDispatcher(engine, dispatcherOptions...)
	if err := dispatcher.Start(appContext); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	svr := rest.NewServer(engine, store, dispatcher, conf.Server.Addr, logger.Named("rest"))
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("received shutdown signal", "signal", sig.String())

	svr.Stop(appContext)
	dispatcher.Stop()
	ctxCancel()
}
