// Command troupe runs the agent registration and activation subsystem.
//
// Usage:
//
//	troupe serve --config troupe.yaml
//	troupe list --catalog ./workspace
//	troupe validate --catalog ./workspace
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/troupe-dev/troupe/pkg/agent"
	"github.com/troupe-dev/troupe/pkg/catalog"
	"github.com/troupe-dev/troupe/pkg/config"
	"github.com/troupe-dev/troupe/pkg/runtime"
	"github.com/troupe-dev/troupe/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the activation service."`
	List     ListCmd     `cmd:"" help:"List agents discovered in the catalog."`
	Validate ValidateCmd `cmd:"" help:"Validate agent definitions in the catalog."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Defaults to info."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json). Defaults to text."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("troupe version %s\n", version)
	return nil
}

// ServeCmd starts the control API with discovery, restoration and the expiry
// sweep.
type ServeCmd struct {
	Catalog string `help:"Catalog root directory (overrides config)." type:"path"`
	Port    int    `help:"Port to listen on." default:"0"`
	Watch   bool   `help:"Watch the catalog for changes and re-register."`

	Storage   string `help:"Storage backend: inmemory, sqlite, postgres, mysql." placeholder:"BACKEND"`
	StorageDB string `name:"storage-db" help:"Storage DSN (for sqlite, a file path)." placeholder:"DSN"`

	Metrics bool `help:"Expose Prometheus metrics on /metrics."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Catalog != "" {
		cfg.CatalogRoot = c.Catalog
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch {
		cfg.Watch = true
	}
	if c.Storage != "" {
		cfg.Storage.Backend = c.Storage
	}
	if c.StorageDB != "" {
		cfg.Storage.DSN = c.StorageDB
	}
	if c.Metrics {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			slog.Warn("Shutdown cleanup error", "error", cerr)
		}
	}()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	srv := server.New(rt, cfg.Server.Host, cfg.Server.Port)
	return srv.ListenAndServe(ctx)
}

// ListCmd prints the agents one discovery pass finds.
type ListCmd struct {
	Catalog string `help:"Catalog root directory." type:"path" default:"."`
}

func (c *ListCmd) Run(cli *CLI) error {
	source := catalog.NewDirSource(c.Catalog)
	raws, err := source.Discover(context.Background())
	if err != nil {
		return err
	}

	if len(raws) == 0 {
		fmt.Println("No agent definitions found.")
		return nil
	}

	for _, raw := range raws {
		scope := "core"
		if raw.ExpansionPackID != "" {
			scope = "pack:" + raw.ExpansionPackID
		}
		fmt.Printf("%-24s %-24s %-16s %s\n", raw.Identifier, raw.DisplayName, raw.RoleGroup, scope)
		for _, warning := range raw.Warnings {
			fmt.Printf("    ! %s\n", warning)
		}
	}
	return nil
}

// ValidateCmd runs discovery plus registration validation and reports every
// problem found. Exits non-zero when any definition is invalid.
type ValidateCmd struct {
	Catalog string `help:"Catalog root directory." type:"path" default:"."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg := config.Default()
	cfg.CatalogRoot = c.Catalog

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	result, err := rt.RegisterAll(context.Background())
	if err != nil {
		return err
	}

	problems := 0
	for _, desc := range rt.ListAgents() {
		if desc.State == agent.StateFailed {
			problems++
			fmt.Printf("INVALID  %-24s %s\n", desc.ID, desc.FailureReason)
		}
		for _, warning := range desc.Warnings {
			fmt.Printf("WARNING  %-24s %s\n", desc.ID, warning)
		}
	}

	fmt.Printf("\n%d discovered, %d registered, %d invalid, %d failed\n",
		result.Discovered, result.Registered, result.Invalid, result.Failed)
	if problems > 0 {
		return fmt.Errorf("%d agent definition(s) failed validation", problems)
	}
	return nil
}

// loadConfig loads the config file if given, otherwise defaults.
func loadConfig(cli *CLI) (*config.Config, error) {
	config.LoadDotEnvForConfig(cli.Config)
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("troupe"),
		kong.Description("Agent registration and activation service."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := kctx.Run(&cli); err != nil {
		// kong already prints usage for flag errors; keep runtime errors terse.
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
