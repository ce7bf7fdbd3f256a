package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/fabricmanagement/authz"
	"github.com/fabricmanagement/authz/logger"
	"github.com/fabricmanagement/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "convert":
		err = handleConvert(os.Args[2:])
	case "validate":
		err = handleValidate(os.Args[2:])
	case "apply":
		err = handleApply(os.Args[2:])
	case "evaluate":
		err = handleEvaluate(os.Args[2:])
	case "stats":
		err = handleStats(os.Args[2:])
	case "sweep":
		err = handleSweep(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("policyctl - operator tool for the authorization engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  policyctl convert <input> <output>         - Convert config between YAML and JSON")
	fmt.Println("  policyctl validate <config>                - Validate configuration")
	fmt.Println("  policyctl apply <config> <db>              - Seed rules and grants into a SQLite database")
	fmt.Println("  policyctl evaluate <config> <db> <request> - Evaluate a JSON request (inline or @file)")
	fmt.Println("  policyctl stats <db> [tenant] [since]      - Decision statistics (since as Go duration, e.g. 24h)")
	fmt.Println("  policyctl sweep <db>                       - Mark lapsed grants EXPIRED")
}

func usage(line string) error {
	return fmt.Errorf("usage: policyctl %s", line)
}

func handleConvert(args []string) error {
	if len(args) < 2 {
		return usage("convert <input> <output>")
	}
	cfg, err := authz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(args[1])) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(args[1]))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0644); err != nil {
		return err
	}
	fmt.Printf("Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleValidate(args []string) error {
	if len(args) < 1 {
		return usage("validate <config>")
	}
	cfg, err := authz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	allow, deny := 0, 0
	for _, r := range cfg.Rules {
		if r.Effect == authz.EffectAllow {
			allow++
		} else {
			deny++
		}
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:        %d\n", cfg.Version)
	fmt.Printf("  Rules:          %d (%d allow, %d deny)\n", len(cfg.Rules), allow, deny)
	fmt.Printf("  Grants:         %d\n", len(cfg.Grants))
	fmt.Printf("  Access classes: %d\n", len(cfg.Registry))
	fmt.Printf("  Role defaults:  %d\n", len(cfg.RoleDefaults))
	fmt.Printf("  Blocked:        %d\n", len(cfg.Guardrails.BlockedEndpoints))
	fmt.Printf("  Cache TTL:      %dms\n", cfg.Engine.DecisionCacheTTL)
	return nil
}

func openDB(path string) (*squealx.DB, func(), error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	db := squealx.NewDb(sqlDB, "sqlite", "policyctl")
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return db, func() { sqlDB.Close() }, nil
}

func newEngine(cfg *authz.Config, db *squealx.DB, extra ...authz.EngineOption) (*authz.Engine, error) {
	audit, err := stores.NewSQLAuditStore(db)
	if err != nil {
		return nil, err
	}
	opts := append([]authz.EngineOption{authz.WithLogger(logger.NewPhusluLogger())}, extra...)
	return authz.NewEngineFromConfig(cfg, stores.NewSQLRuleStore(db), stores.NewSQLGrantStore(db), audit, opts...)
}

func handleApply(args []string) error {
	if len(args) < 2 {
		return usage("apply <config> <db>")
	}
	cfg, err := authz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, closeDB, err := openDB(args[1])
	if err != nil {
		return err
	}
	defer closeDB()
	audit, err := stores.NewSQLAuditStore(db)
	if err != nil {
		return err
	}
	ctx := context.Background()
	engine, err := stores.NewEngineFromConfig(ctx, cfg, stores.NewSQLRuleStore(db), stores.NewSQLGrantStore(db), audit,
		authz.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		return err
	}
	defer engine.Close(ctx)
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		return err
	}

	// Running engines cache decisions; tell them the policy set changed.
	if engine.Bus != nil {
		if err := engine.Bus.Publish(ctx, authz.InvalidationEvent{Target: authz.AllTarget(), Origin: engine.InstanceID(), At: time.Now().UTC()}); err != nil {
			return fmt.Errorf("broadcast reload: %w", err)
		}
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Rules loaded:  %d\n", len(cfg.Rules))
	fmt.Printf("  Grants loaded: %d\n", len(cfg.Grants))
	return nil
}

func handleEvaluate(args []string) error {
	if len(args) < 3 {
		return usage("evaluate <config> <db> <request-json|@file>")
	}
	cfg, err := authz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	raw := []byte(args[2])
	if strings.HasPrefix(args[2], "@") {
		if raw, err = os.ReadFile(strings.TrimPrefix(args[2], "@")); err != nil {
			return err
		}
	}
	var req authz.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	db, closeDB, err := openDB(args[1])
	if err != nil {
		return err
	}
	defer closeDB()
	engine, err := newEngine(cfg, db)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer engine.Close(ctx)

	dec, err := engine.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(dec, "", "  ")
	fmt.Println(string(out))
	return nil
}

func handleStats(args []string) error {
	if len(args) < 1 {
		return usage("stats <db> [tenant] [since]")
	}
	db, closeDB, err := openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB()
	tenant := ""
	if len(args) > 1 {
		tenant = args[1]
	}
	var from time.Time
	if len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("since: %w", err)
		}
		from = time.Now().Add(-d)
	}
	audit, err := stores.NewSQLAuditStore(db)
	if err != nil {
		return err
	}
	s, err := audit.Stats(context.Background(), tenant, from, time.Time{})
	if err != nil {
		return err
	}

	fmt.Println("Decision Statistics")
	fmt.Println("===================")
	if tenant != "" {
		fmt.Printf("Tenant:          %s\n", tenant)
	}
	fmt.Printf("Total decisions: %d\n", s.TotalDecisions)
	fmt.Printf("  Allowed:       %d\n", s.AllowDecisions)
	fmt.Printf("  Denied:        %d\n", s.DenyDecisions)
	fmt.Printf("Deny rate:       %.2f%%\n", s.DenyRate*100)
	fmt.Printf("Avg latency:     %.3fms\n", s.AverageLatencyMs)
	return nil
}

func handleSweep(args []string) error {
	if len(args) < 1 {
		return usage("sweep <db>")
	}
	db, closeDB, err := openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB()
	sweeper := authz.NewGrantSweeper(stores.NewSQLGrantStore(db), logger.NewPhusluLogger(), 0)
	n, err := sweeper.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Marked %d grant(s) EXPIRED\n", n)
	return nil
}
