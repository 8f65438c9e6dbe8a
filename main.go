package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/proxy"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/server/routes"
	"github.com/shellcache/shellcache/internal/strategy"
	"github.com/shellcache/shellcache/internal/telemetry"
	"github.com/shellcache/shellcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(stdErr, "解析环境变量失败: %v\n", err)
		return 1
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["scopes"] = config.ScopeNames(cfg.Scopes)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, env)
	if err != nil {
		logger.WithError(err).WithField("action", "telemetry").Warn("tracing_disabled")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).WithField("action", "telemetry").Warn("tracing_shutdown_failed")
		}
	}()

	// 启动顺序：配置 → 存储后端 → ScopeRegistry → Fiber server，
	// 所有作用域共享同一个后端、上游 client 与后台任务池。
	backend, err := cache.Open(ctx, cache.Options{
		Driver:         cfg.Global.StorageDriver,
		Path:           cfg.Global.StoragePath,
		DSN:            cfg.Global.StorageDSN,
		DynamoTable:    cfg.Global.DynamoTable,
		DynamoRegion:   cfg.Global.DynamoRegion,
		DynamoEndpoint: cfg.Global.DynamoEndpoint,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer backend.Close()

	tasks := strategy.NewTasks(logger)
	registry, err := server.NewScopeRegistry(cfg, server.RegistryDeps{
		Backend: backend,
		Client:  server.NewUpstreamClient(cfg),
		Tasks:   tasks,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Scope 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = config.ScopeNames(cfg.Scopes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装期间请求直接透传到源站。
	go registry.Start(ctx)

	config.Watch(opts.configPath, func(next *config.Config) {
		registry.Reload(ctx, next)
	}, func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("config_reload", opts.configPath)).Warn("config_reload_failed")
	})

	err = startHTTPServer(ctx, cfg, registry, tasks, logger)
	tasks.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	env, err := config.ParseEnv()
	if err != nil {
		return cliOptions{}, err
	}
	path := env.ConfigPath
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 阻塞直到 ctx 取消后完成优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.ScopeRegistry, tasks *strategy.Tasks, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:          logger,
		Registry:        registry,
		Proxy:           proxy.NewHandler(logger),
		ListenPort:      port,
		DiagnosticsHost: cfg.Global.DiagnosticsHost,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, tasks)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
