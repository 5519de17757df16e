package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/ot2-agent/internal/agent"
	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/lab"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/internal/transport"
	"yqhp/ot2-agent/pkg/logger"
)

var (
	// run 命令的 flags
	runURL        string
	runToken      string
	runInstanceID string
	runWorkers    int
)

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动 Agent",
	Long: `启动 Agent，连接到编排器并等待任务分配。

断线后自动重连，运行中的任务不受影响；收到 SIGINT/SIGTERM 时取消所有任务后退出。`,
	Example: `  # 使用默认配置启动
  ot2-agent run

  # 指定配置文件和编排器地址
  ot2-agent run --config agent.yaml --url ws://orchestrator:8090/agi --token secret

  # 指定实例 ID 和工作池大小
  ot2-agent run --instance-id bench-1 --workers 8`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runURL, "url", "", "编排器地址")
	runCmd.Flags().StringVar(&runToken, "token", "", "访问令牌")
	runCmd.Flags().StringVar(&runInstanceID, "instance-id", "", "实例 ID（不指定则自动生成）")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "阻塞型处理函数的工作池大小")
}

// loadConfig 加载配置并应用命令行覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := make(map[string]string)
	if cmd.Flags().Changed("url") {
		overrides["orchestrator.url"] = runURL
	}
	if cmd.Flags().Changed("token") {
		overrides["orchestrator.token"] = runToken
	}
	if cmd.Flags().Changed("instance-id") {
		overrides["agent.instance_id"] = runInstanceID
	}
	if cmd.Flags().Changed("workers") {
		overrides["runtime.worker_pool_size"] = strconv.Itoa(runWorkers)
	}
	if debug {
		overrides["logging.level"] = "debug"
	}

	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

// buildRegistry 注册所有实验室协议
func buildRegistry(cfg *config.Config) (*registry.Registry, *lab.Protocols, error) {
	reg := registry.New(nil)
	protocols := lab.New(cfg.Lab, logger.Named("lab"))
	if err := protocols.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("注册协议失败: %w", err)
	}
	return reg, protocols, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Init(&cfg.Logging)
	defer logger.Sync()

	reg, protocols, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	endpoint := transport.StaticEndpoint{URL: cfg.Orchestrator.URL, Token: cfg.Orchestrator.Token}
	tr := transport.New(endpoint, transport.ConfigFrom(cfg.Transport), logger.Named("transport"))
	defer tr.Close()

	a, err := agent.New(agent.ConfigFrom(cfg), reg, tr, logger.Named("agent"))
	if err != nil {
		return fmt.Errorf("创建 Agent 失败: %w", err)
	}
	protocols.Install(a)

	// 处理关闭信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 打印启动信息
	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  实例 ID: %s\n", a.InstanceID())
		fmt.Printf("  编排器: %s\n", cfg.Orchestrator.URL)
		fmt.Printf("  接口: %v\n", reg.Interfaces())
		fmt.Printf("  工作池: %d\n", cfg.Runtime.WorkerPoolSize)
		fmt.Println()
	}

	err = a.Run(ctx)
	switch {
	case errors.Is(err, transport.ErrAuthRejected):
		return fmt.Errorf("编排器拒绝了访问令牌: %w", err)
	case err != nil:
		return fmt.Errorf("Agent 退出: %w", err)
	}

	logger.Info("agent stopped", zap.String("instance_id", a.InstanceID()))
	if !quiet {
		fmt.Fprintln(os.Stderr, "Agent 已停止")
	}
	return nil
}
