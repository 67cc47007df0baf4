package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/config"
	"github.com/mvlachos/accord/internal/executor"
	"github.com/mvlachos/accord/internal/natsbus"
	"github.com/mvlachos/accord/internal/orchestrator"
	"github.com/mvlachos/accord/internal/registry"
	"github.com/mvlachos/accord/internal/store"
)

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func objectiveFromArgs(flags map[string]string) (orchestrator.Objective, error) {
	var obj orchestrator.Objective

	required, err := capability.ParseSet(splitList(flags["require"]))
	if err != nil {
		return obj, fmt.Errorf("invalid --require: %w", err)
	}
	if len(required) == 0 {
		return obj, fmt.Errorf("--require is required")
	}
	parallel, err := capability.ParseSet(splitList(flags["parallel"]))
	if err != nil {
		return obj, fmt.Errorf("invalid --parallel: %w", err)
	}

	obj = orchestrator.Objective{
		ID:                 flags["id"],
		Input:              flags["input"],
		Required:           required,
		ParallelVerifiable: parallel,
	}
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	if v := flags["max-phases"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return obj, fmt.Errorf("invalid --max-phases: %w", err)
		}
		obj.MaxPhases = n
	}
	if v := flags["threshold"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return obj, fmt.Errorf("invalid --threshold: %w", err)
		}
		obj.ConfidenceThreshold = f
	}
	return obj, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildOrchestrator(cfg *config.Config, db *store.Store, exec executor.Executor) (*orchestrator.Orchestrator, error) {
	reg := registry.New()
	if err := seedRegistry(reg, db, cfg.Agents); err != nil {
		return nil, err
	}
	orch := orchestrator.New(reg, exec, orchestratorConfig(cfg.Coordination))
	orch.SetRecorder(db)
	return orch, nil
}

// runPlan decomposes an objective against the current agent population and
// prints the phases without dispatching anything.
func runPlan(args []string) error {
	obj, err := objectiveFromArgs(parseArgs(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: accord plan --require \"research,analysis\" [--input \"...\"] [--parallel \"verification\"] [--max-phases N] [--threshold F]\n")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	orch, err := buildOrchestrator(cfg, db, nil)
	if err != nil {
		return err
	}
	p, err := orch.PlanObjective(obj)
	if err != nil {
		return err
	}
	return printJSON(p)
}

// runObjective dispatches an objective over NATS to a running service's
// agents and waits for the terminal report.
func runObjective(args []string) error {
	obj, err := objectiveFromArgs(parseArgs(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: accord run --require \"research,analysis\" [--input \"...\"] [--parallel \"verification\"] [--max-phases N] [--threshold F]\n")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	url := os.Getenv("ACCORD_NATS_URL")
	if url == "" {
		url = fmt.Sprintf("nats://localhost:%d", cfg.NATS.Port)
	}
	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	orch, err := buildOrchestrator(cfg, db, executor.NewNATS(client))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := orch.Run(ctx, obj)
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Status == orchestrator.StatusFailed {
		return runErr
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
