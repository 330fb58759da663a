package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mir00r/capability-router/internal/config"
	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/middleware"
	"github.com/mir00r/capability-router/internal/repository"
	"github.com/mir00r/capability-router/internal/transport"
	"github.com/mir00r/capability-router/pkg/logger"
)

// Admin commands run as one-off processes against the same configuration
// and store as the server.

func loadAdminConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(config.ConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// runMigration opens the configured store, which creates its schema
func runMigration() error {
	cfg, log, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Migrating %s store...\n", cfg.Persistence.Driver)
	store, err := repository.New(ctx, cfg.Persistence, log)
	if err != nil {
		return err
	}
	defer store.Close()

	instances, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Migration completed: %d groups, %d instances\n", len(groups), len(instances))
	return nil
}

// runHealthCheck probes every persisted instance once
func runHealthCheck() error {
	cfg, log, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := repository.New(ctx, cfg.Persistence, log)
	if err != nil {
		return err
	}
	defer store.Close()

	instances, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	healthChecks := make(map[string]domain.HealthCheckConfig, len(groups))
	for _, group := range groups {
		hc := cfg.HealthCheck
		if group.HealthCheck != nil {
			hc = *group.HealthCheck
		}
		healthChecks[group.Name] = hc
	}

	router := transport.NewRouter(cfg.Transport, log)
	defer router.Close()

	fmt.Printf("Checking health of %d instances...\n", len(instances))
	failed := 0
	for _, inst := range instances {
		hc, ok := healthChecks[inst.Group]
		if !ok {
			hc = cfg.HealthCheck
		}
		probeCtx, probeCancel := context.WithTimeout(ctx, hc.Timeout)
		err := router.Probe(probeCtx, inst.Address, hc.Path)
		probeCancel()

		status := "healthy"
		if err != nil {
			status = fmt.Sprintf("unhealthy: %v", err)
			failed++
		}
		fmt.Printf("Instance %s (%s %s): %s\n", inst.ID, inst.Group, inst.Address.Endpoint(), status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed their probe", failed, len(instances))
	}
	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.Load(config.ConfigFile())
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Listen: %s\n", cfg.Server.Addr())
	fmt.Printf("Strategy: %s\n", cfg.LoadBalancer.Strategy)
	fmt.Printf("Store: %s\n", cfg.Persistence.Driver)
	fmt.Printf("Provider: %s\n", cfg.Deployment.Provider)
	fmt.Printf("Admin auth: %t\n", cfg.Admin.Auth.Enabled)
	fmt.Printf("Admin rate limiting: %t\n", cfg.Admin.RateLimit.Enabled)
	fmt.Printf("Groups: %d\n", len(cfg.Groups))
	return nil
}

// runInitConfig writes the effective configuration to the named file
func runInitConfig(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: -admin init-config <file>")
	}
	cfg, err := config.Load(config.ConfigFile())
	if err != nil {
		return err
	}
	if err := cfg.SaveToFile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", args[0])
	return nil
}

// runIssueToken prints a signed admin token
func runIssueToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: -admin token <subject> [role,role...] [ttl]")
	}
	cfg, log, err := loadAdminConfig()
	if err != nil {
		return err
	}
	authCfg := cfg.Admin.Auth
	authCfg.Enabled = true
	auth, err := middleware.NewJWTAuthMiddleware(authCfg, log)
	if err != nil {
		return err
	}

	if authCfg.AdminRole == "" {
		authCfg.AdminRole = "admin"
	}
	roles := []string{authCfg.AdminRole}
	if len(args) > 1 && args[1] != "" {
		roles = strings.Split(args[1], ",")
	}
	ttl := 24 * time.Hour
	if len(args) > 2 {
		if ttl, err = time.ParseDuration(args[2]); err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[2], err)
		}
	}

	token, err := auth.IssueToken(args[0], roles, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runStats prints the persisted catalog
func runStats() error {
	cfg, log, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := repository.New(ctx, cfg.Persistence, log)
	if err != nil {
		return err
	}
	defer store.Close()

	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	instances, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	perGroup := make(map[string]int, len(groups))
	for _, inst := range instances {
		perGroup[inst.Group]++
	}

	fmt.Printf("Groups: %d, instances: %d\n", len(groups), len(instances))
	for _, group := range groups {
		fmt.Printf("  %s (type %s, version %s): %d instances, min %d max %d\n",
			group.Name, group.Type, group.Version, perGroup[group.Name], group.MinInstances, group.MaxInstances)
	}
	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: capability-router -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  migrate                       - Create or upgrade the store schema")
		fmt.Println("  health-check                  - Probe every persisted instance")
		fmt.Println("  validate-config               - Validate configuration")
		fmt.Println("  init-config <file>            - Write the effective configuration")
		fmt.Println("  token <subject> [roles] [ttl] - Issue an admin API token")
		fmt.Println("  stats                         - Print the persisted catalog")
		os.Exit(1)
	}

	command := os.Args[2]
	args := os.Args[3:]
	var err error

	switch command {
	case "migrate":
		err = runMigration()
	case "health-check":
		err = runHealthCheck()
	case "validate-config", "validate":
		err = runConfigValidation()
	case "init-config":
		err = runInitConfig(args)
	case "token":
		err = runIssueToken(args)
	case "stats":
		err = runStats()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
