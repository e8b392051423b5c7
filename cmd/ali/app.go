// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/config"
	"github.com/ali-kernel/ali/internal/defaults"
	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/bus"
	"github.com/ali-kernel/ali/pkg/compactor"
	"github.com/ali-kernel/ali/pkg/cost"
	"github.com/ali-kernel/ali/pkg/fabric"
	"github.com/ali-kernel/ali/pkg/filelock"
	"github.com/ali-kernel/ali/pkg/llm/factory"
	"github.com/ali-kernel/ali/pkg/observability"
	"github.com/ali-kernel/ali/pkg/orchestrator"
	"github.com/ali-kernel/ali/pkg/persistence"
	"github.com/ali-kernel/ali/pkg/plandb"
	"github.com/ali-kernel/ali/pkg/registry"
	"github.com/ali-kernel/ali/pkg/router"
	"github.com/ali-kernel/ali/pkg/tools"
	"github.com/ali-kernel/ali/pkg/types"
)

// kernel bundles the shared-resource singletons one running process owns:
// the persistence stores, the cost ledger, the agent registry, the intent
// router, the message bus, and the orchestrator wired across them.
type kernel struct {
	cfg       *config.Config
	store     *persistence.Store
	plans     *plandb.Store
	costCtl   *cost.Controller
	registry  *registry.Registry
	router    *router.Router
	bus       *bus.Bus
	compactor *compactor.Compactor
	orch      *orchestrator.Orchestrator
	session   *types.Session
	provider  types.LLMProvider
	tracer    observability.Tracer
	graph     *fabric.Graph
	locks     *filelock.Manager
	sandbox   *tools.Sandbox

	streaming bool
}

// buildKernel runs the startup sequence: hardware detection, persistence,
// provider registry, cost controller, agent registry load, router warm-up.
// The caller owns the returned kernel and must close it.
func buildKernel(cfgFile string) (*kernel, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("starting",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("cpus", runtime.NumCPU()),
		zap.String("arch", runtime.GOARCH))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := persistence.Open(cfg.ResolvedPath(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	plans, err := plandb.Open(cfg.ResolvedPath("plans.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open plan database: %w", err)
	}

	models := factory.Models()

	providerFactory := factory.NewProviderFactory(factory.FactoryConfig{
		DefaultProvider:         cfg.LLM.DefaultProvider,
		DefaultModel:            cfg.LLM.DefaultModel,
		AnthropicAPIKey:         cfg.LLM.AnthropicAPIKey,
		AnthropicModel:          cfg.LLM.AnthropicModel,
		BedrockRegion:           cfg.LLM.BedrockRegion,
		BedrockAccessKeyID:      cfg.LLM.BedrockAccessKeyID,
		BedrockSecretAccessKey:  cfg.LLM.BedrockSecretAccessKey,
		BedrockSessionToken:     cfg.LLM.BedrockSessionToken,
		BedrockProfile:          cfg.LLM.BedrockProfile,
		BedrockModelID:          cfg.LLM.BedrockModelID,
		OllamaEndpoint:          cfg.LLM.OllamaEndpoint,
		OllamaModel:             cfg.LLM.OllamaModel,
		OpenAIAPIKey:            cfg.LLM.OpenAIAPIKey,
		OpenAIModel:             cfg.LLM.OpenAIModel,
		AzureOpenAIEndpoint:     cfg.LLM.AzureOpenAIEndpoint,
		AzureOpenAIDeploymentID: cfg.LLM.AzureOpenAIDeploymentID,
		AzureOpenAIAPIKey:       cfg.LLM.AzureOpenAIAPIKey,
		AzureOpenAIEntraToken:   cfg.LLM.AzureOpenAIEntraToken,
		MistralAPIKey:           cfg.LLM.MistralAPIKey,
		MistralModel:            cfg.LLM.MistralModel,
		GeminiAPIKey:            cfg.LLM.GeminiAPIKey,
		GeminiModel:             cfg.LLM.GeminiModel,
		HuggingFaceToken:        cfg.LLM.HuggingFaceToken,
		HuggingFaceModel:        cfg.LLM.HuggingFaceModel,
		MaxTokens:               cfg.LLM.MaxTokens,
		Temperature:             cfg.LLM.Temperature,
		Timeout:                 cfg.LLM.TimeoutSeconds,
	})

	raw, err := providerFactory.CreateProvider(cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel)
	if err != nil {
		plans.Close()
		store.Close()
		return nil, fmt.Errorf("create provider %s: %w", cfg.LLM.DefaultProvider, err)
	}
	provider, ok := raw.(types.LLMProvider)
	if !ok {
		plans.Close()
		store.Close()
		return nil, fmt.Errorf("provider %s does not implement the chat interface", cfg.LLM.DefaultProvider)
	}

	budget := cfg.Cost.BudgetUSD
	if env := os.Getenv(config.EnvPrefix + "_BUDGET_USD"); env != "" {
		var v float64
		if _, err := fmt.Sscanf(env, "%f", &v); err == nil && v >= 0 {
			budget = v
		}
	}
	costCtl := cost.NewController(budget)
	costCtl.SetRollupSink(store)

	reg := registry.New()
	defsDir := cfg.ResolvedPath(cfg.Agents.DefinitionsDir)
	if err := defaults.WriteMissing(defsDir); err != nil {
		log.Warn("seed agent definitions", zap.Error(err))
	}
	if err := reg.LoadDefinitions(defsDir); err != nil {
		plans.Close()
		store.Close()
		return nil, fmt.Errorf("load agents: %w", err)
	}

	locks := filelock.NewManager()
	sandbox := tools.NewSandbox()
	if raw, found, prefErr := store.GetPreference(context.Background(), "allowed_dirs"); prefErr == nil && found {
		for _, d := range strings.Split(raw, "\n") {
			if d != "" {
				sandbox.Allow(d)
			}
		}
	}
	for _, a := range reg.All() {
		a.Provider = provider
		for _, tool := range tools.NewFileTools(sandbox, locks, a.DisplayName) {
			a.Tools.Register(tool)
		}
	}

	graph := fabric.NewGraph(
		fabric.WithPersistence(store),
		fabric.WithMaxNodes(cfg.Fabric.MaxNodes))

	rt := router.New(routingPatterns(reg), 128,
		router.WithModelRegistry(models),
		router.WithFallbackRole(types.RoleOrchestrator),
		router.WithLLMClassifier(provider))

	tracer := observability.NewNoOpTracer()
	msgBus := bus.New(tracer)

	summarizerModel, haveCheap := models.Cheapest(nil)
	if !haveCheap {
		summarizerModel, _ = models.Lookup(provider.Model())
	}
	comp := compactor.New(store, provider, summarizerModel, costCtl, compactor.Config{
		KeepRecent:     cfg.Compaction.KeepRecent,
		MaxCheckpoints: cfg.Compaction.MaxCheckpoints,
	})

	sessionID := uuid.NewString()
	session := types.NewSession(sessionID, "")
	if err := store.CreateSession(context.Background(), sessionID, os.Getenv("USER")); err != nil {
		log.Warn("create session row", zap.Error(err))
	}

	orch := orchestrator.New(orchestrator.Config{
		Registry:  reg,
		Router:    rt,
		Cost:      costCtl,
		Plans:     plans,
		Fabric:    graph,
		Bus:       msgBus,
		Store:     store,
		Compactor: comp,
		Models:    models,
		Session:   session,
		Tracer:    tracer,
		AliName:   cfg.Agents.AliName,
		SessionID: sessionID,
		BudgetUSD: budget,
	})

	return &kernel{
		cfg:       cfg,
		store:     store,
		plans:     plans,
		costCtl:   costCtl,
		registry:  reg,
		router:    rt,
		bus:       msgBus,
		compactor: comp,
		orch:      orch,
		session:   session,
		provider:  provider,
		tracer:    tracer,
		graph:     graph,
		locks:     locks,
		sandbox:   sandbox,
		streaming: true,
	}, nil
}

// routingPatterns derives the router's pattern table from the loaded
// roster: each agent is addressable by name and by its specialization
// keywords.
func routingPatterns(reg *registry.Registry) []router.Pattern {
	var patterns []router.Pattern
	for _, a := range reg.All() {
		triggers := []string{
			"/" + a.DisplayName,
			"hey " + a.DisplayName,
			"ask " + a.DisplayName,
			a.DisplayName,
		}
		if a.Specialization != "" {
			triggers = append(triggers, a.Specialization)
		}
		patterns = append(patterns, router.Pattern{
			Intent:   a.DisplayName,
			Role:     a.Role,
			Triggers: triggers,
		})
	}
	return patterns
}

// close flushes rollups, ends the session row, and closes both databases.
func (k *kernel) close() {
	if err := k.orch.Shutdown(); err != nil {
		log.Warn("flush cost rollup", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.store.EndSession(ctx, k.session.ID, k.costCtl.SessionSpend(), k.session.MessageCount()); err != nil {
		log.Warn("end session row", zap.Error(err))
	}
	if err := k.plans.Close(); err != nil {
		log.Warn("close plan db", zap.Error(err))
	}
	if err := k.store.Close(); err != nil {
		log.Warn("close db", zap.Error(err))
	}
	_ = log.Sync()
}
