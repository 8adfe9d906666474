package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"burrow/internal/channel"
	"burrow/internal/groupqueue"
	"burrow/internal/ipc"
	"burrow/internal/mountsec"
	"burrow/internal/router"
	"burrow/internal/sandbox"
	"burrow/internal/scheduler"
	"burrow/internal/store"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/orchestrator.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Fail closed: no allowlist, no runs.
	allowlist, err := mountsec.LoadAllowlist(appCfg.Agent.AllowlistPath)
	if err != nil {
		logger.Error(context.Background(), "load mount allowlist failed", zap.Error(err))
		return
	}
	validator := mountsec.NewValidator(allowlist)

	st, err := store.Open(appCfg.Agent.DBPath)
	if err != nil {
		logger.Error(context.Background(), "open store failed", zap.Error(err))
		return
	}
	defer func() {
		_ = st.Close()
	}()

	runner, err := sandbox.NewRunner(appCfg.Container.toRunnerConfig(appCfg.Agent), validator)
	if err != nil {
		logger.Error(context.Background(), "init sandbox runner failed", zap.Error(err))
		return
	}

	// The queue's run function is the router's, but the router needs the
	// queue; the closures resolve the cycle.
	var rt *router.Router
	queue, err := groupqueue.New(appCfg.Queue.toQueueConfig(),
		func(ctx context.Context, item groupqueue.Item) error {
			return rt.RunItem(ctx, item)
		},
		func(ctx context.Context, item groupqueue.Item, runErr error) {
			rt.HandleRunFailure(ctx, item, runErr)
		})
	if err != nil {
		logger.Error(context.Background(), "init group queue failed", zap.Error(err))
		return
	}

	sched := scheduler.New(st, queue, appCfg.Poll.Scheduler)

	tg, err := channel.NewTelegram(appCfg.Telegram,
		func(ctx context.Context, msg *store.Message, chatName string) {
			rt.HandleInbound(ctx, msg, chatName)
		})
	if err != nil {
		logger.Error(context.Background(), "init telegram channel failed", zap.Error(err))
		return
	}

	rt, err = router.New(router.Config{
		MainGroupFolder: appCfg.Agent.MainGroupFolder,
		AssistantName:   appCfg.Agent.AssistantName,
		GroupsDir:       appCfg.Agent.GroupsDir,
		StateDir:        appCfg.Agent.StateDir,
		IdleTimeout:     appCfg.Agent.IdleTimeout,
	}, st, queue, runner, sched, tg)
	if err != nil {
		logger.Error(context.Background(), "init router failed", zap.Error(err))
		return
	}

	watcher := ipc.NewWatcher(ipc.Config{
		BaseDir:         filepath.Join(appCfg.Agent.StateDir, "ipc"),
		MainGroupFolder: appCfg.Agent.MainGroupFolder,
		AssistantName:   appCfg.Agent.AssistantName,
		PollInterval:    appCfg.Poll.IPC,
	}, st, tg, sched, rt)

	if err := tg.Connect(context.Background()); err != nil {
		logger.Error(context.Background(), "connect telegram failed", zap.Error(err))
		return
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go sched.Run(loopCtx)
	go watcher.Run(loopCtx)
	rt.RecoverPending(context.Background())

	httpServer := buildAdminServer(appCfg.Admin, st, queue, sched, runner)
	listener, err := net.Listen("tcp", appCfg.Admin.Addr)
	if err != nil {
		stopLoops()
		logger.Error(context.Background(), "init admin listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "admin http server started", zap.String("addr", appCfg.Admin.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "admin server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	// Stop taking input first, then drain runs, then kill stragglers.
	if err := tg.Disconnect(ctx); err != nil {
		logger.Warn(ctx, "telegram disconnect failed", zap.Error(err))
	}
	stopLoops()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(ctx, "admin server shutdown failed", zap.Error(err))
	}
	if err := queue.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "queue drain timed out, killing active runs", zap.Error(err))
	}
	runner.KillActive(ctx)
	logger.Info(context.Background(), "orchestrator stopped")
}
