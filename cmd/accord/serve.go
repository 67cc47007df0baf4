package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/config"
	"github.com/mvlachos/accord/internal/consensus"
	"github.com/mvlachos/accord/internal/dispatch"
	"github.com/mvlachos/accord/internal/executor"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/natsbus"
	"github.com/mvlachos/accord/internal/orchestrator"
	"github.com/mvlachos/accord/internal/registry"
	"github.com/mvlachos/accord/internal/scheduler"
	"github.com/mvlachos/accord/internal/store"
	"github.com/mvlachos/accord/internal/telegram"
	"github.com/mvlachos/accord/internal/web"
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting accord", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	// Agent registry, persisted agents first, then config definitions
	reg := registry.New()
	if err := seedRegistry(reg, db, cfg.Agents); err != nil {
		return fmt.Errorf("seed agent registry: %w", err)
	}

	// Orchestrator over the NATS executor
	orch := orchestrator.New(reg, executor.NewNATS(client), orchestratorConfig(cfg.Coordination))
	orch.SetRecorder(db)
	orch.OnEvent(eventPublisher(client))

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.NewNotifier(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		orch.OnReport(func(r orchestrator.Report) {
			notifyCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			defer done()
			if err := notifier.NotifyReport(notifyCtx, r); err != nil {
				slog.Error("telegram notify failed", "run", r.RunID, "error", err)
			}
		})
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	// Scheduler
	sched := scheduler.New(db, orch, client, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, orch, reg, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads the config; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			cancel()
			return nil
		}
		next, err := config.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		applyReload(cfg, next, reg, db, orch, sched)
		cfg = next
	}
	return nil
}

func orchestratorConfig(c config.CoordinationConfig) orchestrator.Config {
	return orchestrator.Config{
		Graph: graph.Config{
			LeaderBoost: c.LeaderBoost,
			Rounds:      c.Rounds,
			Epsilon:     c.Epsilon,
		},
		Dispatch: dispatch.Config{
			TaskTimeout: c.TaskTimeout,
			MaxRetries:  c.MaxRetries,
		},
		Consensus: consensus.Config{
			Tolerance: c.Tolerance,
		},
		MaxPhases:           c.MaxPhases,
		ConfidenceThreshold: c.ConfidenceThreshold,
	}
}

// seedRegistry loads persisted agents, then lays the config definitions on
// top. Config wins on conflicts so a redeploy can correct a bad profile.
func seedRegistry(reg *registry.Registry, db *store.Store, defs map[string]config.AgentDefinition) error {
	persisted, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, a := range persisted {
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("restore agent %s: %w", a.ID, err)
		}
	}

	for id, def := range defs {
		a, err := agentFromDefinition(id, def)
		if err != nil {
			return err
		}
		if err := reg.Update(a); err != nil {
			err = reg.Register(a)
			if err != nil {
				return fmt.Errorf("register agent %s: %w", id, err)
			}
		}
		if err := db.SaveAgent(a); err != nil {
			return fmt.Errorf("persist agent %s: %w", id, err)
		}
	}

	agents, _ := reg.Snapshot()
	slog.Info("agent registry seeded", "agents", len(agents))
	return nil
}

func agentFromDefinition(id string, def config.AgentDefinition) (registry.Agent, error) {
	caps, err := capability.ParseSet(def.Capabilities)
	if err != nil {
		return registry.Agent{}, fmt.Errorf("agent %s: %w", id, err)
	}
	return registry.Agent{
		ID:           id,
		Capabilities: caps,
		Weight:       def.Weight,
		Leader:       def.Leader,
		Status:       registry.StatusActive,
	}, nil
}

// eventPublisher forwards run and phase lifecycle events onto the NATS
// event topics the web layer and external listeners subscribe to.
func eventPublisher(client *natsbus.Client) func(event string, data map[string]any) {
	return func(event string, data map[string]any) {
		topic := natsbus.TopicEventsAgent("system")
		if runID, ok := data["run_id"].(string); ok && runID != "" {
			topic = natsbus.TopicEventsRun(runID)
		}
		payload := map[string]any{"type": event, "payload": data}
		if err := client.PublishJSON(topic, payload); err != nil {
			slog.Warn("event publish failed", "event", event, "error", err)
		}
	}
}

func applyReload(old, next *config.Config, reg *registry.Registry, db *store.Store, orch *orchestrator.Orchestrator, sched *scheduler.Scheduler) {
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, no changes")
		return
	}

	for _, id := range append(diff.AgentsAdded, diff.AgentsChanged...) {
		a, err := agentFromDefinition(id, next.Agents[id])
		if err != nil {
			slog.Error("reload agent", "agent", id, "error", err)
			continue
		}
		if err := reg.Update(a); err != nil {
			err = reg.Register(a)
			if err != nil {
				slog.Error("reload agent", "agent", id, "error", err)
				continue
			}
		}
		if err := db.SaveAgent(a); err != nil {
			slog.Error("persist agent", "agent", id, "error", err)
		}
	}
	for _, id := range diff.AgentsRemoved {
		if err := reg.Deactivate(id); err != nil {
			slog.Error("deactivate agent", "agent", id, "error", err)
		}
	}

	if diff.CoordinationChanged {
		orch.UpdateConfig(orchestratorConfig(diff.NewCoordination))
		slog.Info("coordination config reloaded")
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewPollInterval.PollInterval)
		slog.Info("scheduler poll interval reloaded", "interval", diff.NewPollInterval.PollInterval)
	}
	slog.Info("config reloaded",
		"agents_added", len(diff.AgentsAdded),
		"agents_changed", len(diff.AgentsChanged),
		"agents_removed", len(diff.AgentsRemoved))
}
