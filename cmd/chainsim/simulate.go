package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ChainSim/internal/agent"
	"ChainSim/internal/api"
	"ChainSim/internal/chain/evm"
	"ChainSim/internal/collector"
	"ChainSim/internal/config"
	"ChainSim/internal/observability/alerting"
	"ChainSim/internal/protocols/native"
	"ChainSim/internal/sim"
	"ChainSim/internal/state"
	"ChainSim/internal/tracker"
	"ChainSim/pkg/logger"
)

var errSimulationFailed = errors.New("模拟运行失败")

type simulateOptions struct {
	networkConfig string
	agentConfig   string
	listen        string
	overrides     config.Overrides
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "构建智能体网络并执行迭代模拟",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.networkConfig, "network-config", "configs/network.yaml", "网络配置文件路径")
	flags.StringVar(&opts.agentConfig, "agent-config", "configs/agents.yaml", "智能体画像配置文件路径")
	flags.BoolVar(&opts.overrides.FastMode, "fast-mode", false, "关闭数据采集")
	flags.IntVar(&opts.overrides.Size, "network-size", 0, "覆盖网络规模")
	flags.IntVar(&opts.overrides.BatchSize, "batch-size", 0, "覆盖批大小")
	flags.IntVar(&opts.overrides.Iterations, "iterations", 0, "覆盖迭代次数")
	flags.Uint64Var(&opts.overrides.BlocksPerIteration, "blocks-per-iteration", 0, "覆盖每次迭代推进的区块数")
	flags.StringVar(&opts.listen, "listen", "", "统计接口监听地址，覆盖 server.address")
	return cmd
}

func runSimulation(ctx context.Context, opts simulateOptions) error {
	cfg, err := config.Load(opts.networkConfig)
	if err != nil {
		return err
	}
	cfg.Apply(opts.overrides)
	if opts.listen != "" {
		cfg.Server.Address = opts.listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("网络配置无效: %w", err)
	}
	agentCfg, err := config.LoadAgents(opts.agentConfig)
	if err != nil {
		return err
	}
	if err := agentCfg.Validate(cfg.Simulation.Size); err != nil {
		return fmt.Errorf("智能体配置无效: %w", err)
	}
	funding, err := cfg.InitialFunding()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("chainsim")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RequestTimeout)
	client, err := evm.Dial(dialCtx, evm.Config{RPCURL: cfg.Chain.RPCURL, AdvanceBatch: cfg.Chain.AdvanceBatch})
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	profiles, err := agent.LoadProfiles(agentCfg)
	if err != nil {
		return err
	}
	manager := agent.NewManager(profiles, cfg.Simulation.Seed)

	c, err := collector.Open(ctx, cfg.Collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("关闭采集器失败", slog.Any("error", err))
		}
	}()

	dispatcher, closeAlerts, err := buildDispatcher(cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	tokens, err := tracker.ParseTokens(cfg.Tracker.Tokens)
	if err != nil {
		return err
	}
	balances := tracker.New(client, manager, c, tokens)

	env := sim.Environment{
		Network:  state.New(nil),
		Clients:  sim.ClientSet{},
		Provider: client,
		Agents:   manager,
	}
	handlers := sim.NewRegistry()
	if err := native.Register(handlers, client, nil, cfg.Simulation.Seed); err != nil {
		return err
	}

	builder := sim.NewBuilder(env, c, sim.BuilderConfig{
		Size:           cfg.Simulation.Size,
		Distribution:   agentCfg.AgentDistribution,
		InitialFunding: funding,
		InitialState:   cfg.Simulation.InitialState,
		NetworkState:   cfg.Simulation.NetworkState,
		InitialActions: initialActions(cfg.Simulation.InitialActions),
		Handlers:       handlers,
	})
	evolver := sim.NewEvolver(env, handlers, sim.EvolverConfig{
		MinBlocksBetweenActions: cfg.Simulation.MinBlocksBetweenActions,
		Workers:                 cfg.Simulation.Workers,
		CacheTTL:                cfg.Simulation.CacheTTL,
		Seed:                    cfg.Simulation.Seed,
	})
	simulation := sim.New(sim.Config{
		Description:        cfg.Simulation.Name,
		Iterations:         cfg.Simulation.Iterations,
		BlocksPerIteration: cfg.Simulation.BlocksPerIteration,
		BlockTime:          cfg.Simulation.BlockTime,
		Parameters: map[string]any{
			"size":                 cfg.Simulation.Size,
			"batch_size":           cfg.Simulation.BatchSize,
			"iterations":           cfg.Simulation.Iterations,
			"blocks_per_iteration": cfg.Simulation.BlocksPerIteration,
			"seed":                 cfg.Simulation.Seed,
			"distribution":         agentCfg.AgentDistribution,
		},
	}, builder, evolver,
		sim.WithCollector(c),
		sim.WithAlertDispatcher(dispatcher),
		sim.WithIterationHook(func(ctx context.Context, st sim.IterationStats) error {
			_, err := balances.Sync(ctx, st.Block)
			return err
		}),
	)

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Address != "" {
		server := api.NewServer(cfg.Server.Address, simulation)
		go func() {
			if err := server.Start(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("统计接口退出", slog.Any("error", err))
			}
		}()
		log.Info("统计接口已启动", slog.String("address", cfg.Server.Address))
	}

	if !simulation.Run(ctx) {
		log.Error("模拟失败", slog.Any("error", simulation.Err()))
		return fmt.Errorf("%w: %v", errSimulationFailed, simulation.Err())
	}
	st := simulation.Statistics()
	log.Info("模拟完成",
		slog.Int("iterations", st.IterationsCompleted),
		slog.Int("total_actions", st.TotalActions),
		slog.Int("successful_actions", st.SuccessfulActions),
		slog.Uint64("block", st.CurrentBlock),
		slog.Duration("duration", st.Duration),
	)
	return nil
}

func initialActions(cfgs []config.InitialActionConfig) []sim.InitialAction {
	out := make([]sim.InitialAction, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, sim.InitialAction{
			Action:  c.Action,
			Profile: c.Profile,
			Count:   c.Count,
			Params:  c.Params,
		})
	}
	return out
}

// buildDispatcher 组装告警出口，RabbitMQ 仅在配置了 URL 时启用。
func buildDispatcher(cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	closeFn := func() {}
	if cfg.RabbitMQ.URL != "" {
		mq, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		closeFn = func() {
			if err := mq.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "关闭告警队列失败: %v\n", err)
			}
		}
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}
