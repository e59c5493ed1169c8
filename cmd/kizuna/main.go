// Kizuna - companion conversation sync and proactive engagement core
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/facts"
	"github.com/kizunalab/kizuna/pkg/notify"
	"github.com/kizunalab/kizuna/pkg/proactive"
	"github.com/kizunalab/kizuna/pkg/providers"
	"github.com/kizunalab/kizuna/pkg/relationship"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "kizuna"

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  built:  %s\n", buildTime)
	}
	fmt.Printf("  go:     %s\n", runtime.Version())
	fmt.Printf("  target: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kizuna", "config.json")
	}
	return filepath.Join(home, ".kizuna", "config.json")
}

// services bundles every wired store and service for one process.
type services struct {
	convStore *convlog.SQLiteStore
	relStore  *relationship.SQLiteStore
	factStore *facts.SQLiteStore
	proStore  *proactive.SQLiteStore

	conv         *convlog.SyncService
	provider     providers.LLMProvider
	consolidator *facts.Consolidator
	notifier     notify.Notifier
	agent        *proactive.Agent
	scheduler    *proactive.Scheduler
}

func openServices(cfg *config.Config) (*services, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &services{}
	var err error
	if s.convStore, err = convlog.NewSQLiteStore(cfg.Storage.Path); err != nil {
		return nil, err
	}
	if s.relStore, err = relationship.NewSQLiteStore(cfg.Storage.Path); err != nil {
		s.Close()
		return nil, err
	}
	if s.factStore, err = facts.NewSQLiteStore(cfg.Storage.Path); err != nil {
		s.Close()
		return nil, err
	}
	if s.proStore, err = proactive.NewSQLiteStore(cfg.Storage.Path); err != nil {
		s.Close()
		return nil, err
	}

	s.conv = convlog.NewSyncService(s.convStore)

	if s.provider, err = providers.NewChatCompletionsProvider(cfg.Provider); err != nil {
		s.Close()
		return nil, err
	}
	s.consolidator = facts.NewConsolidator(s.factStore, s.provider, cfg.Facts.ConsolidationThreshold)

	if s.notifier, err = notify.New(cfg.Notify); err != nil {
		s.Close()
		return nil, err
	}

	s.agent = proactive.NewAgent(s.provider, cfg.Provider.Model, cfg.Proactive.MaxMessageRunes)
	s.scheduler = proactive.NewScheduler(s.conv, s.relStore, s.proStore, s.agent, s.notifier)
	return s, nil
}

func (s *services) Close() {
	if s.proStore != nil {
		s.proStore.Close()
	}
	if s.factStore != nil {
		s.factStore.Close()
	}
	if s.relStore != nil {
		s.relStore.Close()
	}
	if s.convStore != nil {
		s.convStore.Close()
	}
}
