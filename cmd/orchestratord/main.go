// Command orchestratord wires the orchestration core's components
// together: Config, Ledger, Bus, Registry, Stake Registry, Supervisor,
// and Archive. Patch Admission (internal/patch) is not constructed
// here. The lifecycle shape — signal-driven
// graceful shutdown over a cancellable context — follows
// cellorg/public/agent/framework.go's AgentFramework.Run, generalized
// from a single agent's ingress/egress loop to the whole orchestrator's
// set of background tasks.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/archive"
	"github.com/tenzoki/agenorc/internal/bus"
	"github.com/tenzoki/agenorc/internal/config"
	"github.com/tenzoki/agenorc/internal/ledger"
	"github.com/tenzoki/agenorc/internal/registry"
	"github.com/tenzoki/agenorc/internal/runner"
	"github.com/tenzoki/agenorc/internal/stake"
	"github.com/tenzoki/agenorc/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "orchestratord.yaml", "path to orchestrator configuration file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(*configPath, log); err != nil {
		log.Fatal().Err(err).Msg("orchestratord exited with error")
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		return err
	}
	defer led.Close()

	b := bus.New(log)
	if cfg.BrokerURL != "" {
		b.Bridge = bus.NewBridge(cfg.BrokerURL, 50, log)
	}

	reg := registry.New()
	registerBuiltinAgents(reg)

	stk := stake.New()

	arc, err := archive.Open(cfg.ArchivePath, log)
	if err != nil {
		return err
	}
	defer arc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if b.Bridge != nil {
		go b.Bridge.Run(ctx)
	}

	if cfg.PluginHotDir != "" {
		stopRescan := reg.RunHotDirectoryRescan(ctx, cfg.PluginHotDir, time.Duration(cfg.RescanSeconds)*time.Second, pluginLoaderFor(cfg), log)
		defer stopRescan()
	}

	sup := supervisor.New(supervisor.Config{
		ErrThreshold:       cfg.AgentErrThreshold,
		BackoffExpAfter:    cfg.AgentBackoffExpAfter,
		QuarantineAfter:    cfg.AgentQuarantineAfter,
		PromotionThreshold: cfg.PromotionThreshold,
		ScanInterval:       2 * time.Second,
	}, reg, stk, led, func(message string) { log.Warn().Msg(message) }, log)

	for _, meta := range reg.ListAgents(false).Registered {
		r := runner.New(meta.Name, meta.Construct, cfg.HeartbeatIntSeconds, b, led, log)
		sup.Submit(meta.Name, r, ctx)
	}

	go sup.Run(ctx)

	stopMerkle, err := led.RunRootCadence(ctx, cfg.MerkleRootCron)
	if err != nil {
		return err
	}
	defer stopMerkle()

	stopArchiveRoot, err := arc.RunRootCadence(ctx, cfg.ArchiveRootCron)
	if err != nil {
		return err
	}
	defer stopArchiveRoot()

	log.Info().Msg("orchestratord started, waiting for shutdown signal")
	return waitForShutdown(ctx, cancel, log)
}

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is otherwise
// cancelled, per framework.go::handleShutdown's signal-channel pattern.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, log zerolog.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}
	cancel()
	return nil
}

// registerBuiltinAgents registers the orchestrator's own self-monitoring
// agent — a minimal built-in satisfying registry.Agent, standing in for
// the domain-specific agents an operator would register via the plugin
// or hot-directory paths.
func registerBuiltinAgents(reg *registry.Registry) {
	meta := &registry.AgentMetadata{
		Name:         "ledger-sentinel",
		Construct:    func() registry.Agent { return &ledgerSentinel{} },
		Version:      "1.0.0",
		Capabilities: map[string]struct{}{"self-monitoring": {}},
	}
	_ = reg.Register(meta, false)
}

// ledgerSentinel is a no-op built-in agent whose only purpose is to
// exercise the Runner/Supervisor heartbeat path when no external plugin
// or hot-directory agent has been registered yet.
type ledgerSentinel struct{}

func (s *ledgerSentinel) RunCycle() error                     { return nil }
func (s *ledgerSentinel) Handle(payload map[string]any) error { return nil }
func (s *ledgerSentinel) Close() error                        { return nil }

func pluginLoaderFor(cfg *config.Config) registry.PluginLoader {
	return func(path string) (*registry.AgentMetadata, error) {
		return loadSignedPlugin(path, cfg)
	}
}
