// Command agentd wires the runtime core's pieces (bus, turn engine,
// lifecycle manager, conversation store, persistence) from a YAML config
// file and exposes them via the facade, replaying any persisted state
// before accepting submissions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/zhanglunet/agent-society/runtime/config"
	"github.com/zhanglunet/agent-society/runtime/facade"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/persist/file"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
)

func main() {
	configPathF := flag.String("config", "agentd.yaml", "path to the runtime config file")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx, *configPathF); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "agentd exited with error"})
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	router, err := config.BuildRouter(ctx, cfg.Services)
	if err != nil {
		return fmt.Errorf("build reasoning router: %w", err)
	}

	persistPort, closePersist, err := config.BuildPersistence(ctx, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("build persistence: %w", err)
	}

	observers, err := config.BuildObservers(cfg.Observability)
	if err != nil {
		return fmt.Errorf("build observers: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	rt := facade.New(facade.Adapters{
		Router:    router,
		Persist:   persistPort,
		Observers: observers,
		Closer:    closePersist,
		Tracer:    tracer,
	}, cfg.LifecycleConfig(), logger, metrics)

	rt.RegisterRole(lifecycle.Role{
		ID:           ids.RoleID("default"),
		Name:         "default",
		SystemPrompt: "You are a helpful agent.",
	})

	restoreAgentPopulation(ctx, rt, cfg)

	rt.Serve()
	log.Info(ctx, log.KV{K: "msg", V: "agentd serving"})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info(ctx, log.KV{K: "msg", V: "agentd shutting down"})
	result := rt.Shutdown(ctx)
	if !result.OK || result.ActiveAgents > 0 {
		return fmt.Errorf("shutdown incomplete: %d agents still active", result.ActiveAgents)
	}
	return nil
}

// restoreAgentPopulation replays the persisted org graph and conversation
// tails before Serve, when the configured backend is the file store — the
// only backend this entrypoint knows how to read a startup snapshot from
// without a bespoke query. A Mongo-backed deployment is expected to restore
// via its own operational tooling querying agent_conversations directly.
func restoreAgentPopulation(ctx context.Context, rt *facade.Runtime, cfg *config.RuntimeConfig) {
	if cfg.Persistence.Backend != "" && cfg.Persistence.Backend != "file" {
		return
	}
	store, err := file.New(cfg.Persistence.RuntimeDir)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "skipping restore: cannot open runtime dir"}, log.KV{K: "error", V: err.Error()})
		return
	}
	defer func() { _ = store.Close(ctx) }()

	entries, err := store.LoadOrgGraph()
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "skipping restore: cannot load org graph"}, log.KV{K: "error", V: err.Error()})
		return
	}
	for _, e := range entries {
		records, err := store.LoadConversation(string(e.AgentID))
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "skipping agent restore: cannot load conversation"}, log.KV{K: "agentId", V: string(e.AgentID)})
			continue
		}
		rt.Store.ReplaceAll(string(e.AgentID), records)
	}
	rt.Restore(ctx, entries)
	log.Info(ctx, log.KV{K: "msg", V: "restore complete"}, log.KV{K: "agentCount", V: len(entries)})
}
