package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/parley0/parley/internal/config"
	"github.com/parley0/parley/internal/conversation"
	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/model"
	"github.com/parley0/parley/internal/orchestrator"
	"github.com/parley0/parley/internal/ratelimit"
	"github.com/parley0/parley/internal/safety"
	"github.com/parley0/parley/internal/search"
	"github.com/parley0/parley/internal/toolclient"
	"github.com/parley0/parley/internal/tools"
)

// engine bundles the orchestrator with the session state the REPL needs.
type engine struct {
	orch *orchestrator.Orchestrator
	conv *conversation.State
	cfg  *config.Config
}

// buildEngine wires every collaborator for one interactive session. The
// returned cleanup closes the tool backend connection.
func buildEngine(ctx context.Context, cfg *config.Config, logger log.Logger) (*engine, func(), error) {
	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	client := model.NewGenkitClient(g, modelRef(cfg), logger)

	registry := tools.NewRegistry(logger)
	backendClient := toolclient.New(logger)
	cleanup := func() {}

	var backend orchestrator.ToolInvoker = backendClient
	if cfg.ToolsEnabled() {
		descs, err := backendClient.Connect(ctx, cfg.ToolBackend)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting tool backend: %w", err)
		}
		registry.Register(descs...)
		cleanup = func() {
			if err := backendClient.Close(); err != nil {
				logger.Warn("closing tool backend", "error", err)
			}
		}
	}

	conv := conversation.New(logger)
	conv.StartNewChat(cfg.Persona)

	orch := orchestrator.New(orchestrator.Deps{
		Model:        client,
		Limiter:      ratelimit.New(logger),
		Gate:         safety.New(client, logger),
		Resolver:     search.New(client, logger),
		Registry:     registry,
		ToolBackend:  backend,
		Conversation: conv,
		Logger:       logger,
	})

	return &engine{orch: orch, conv: conv, cfg: cfg}, cleanup, nil
}

// provideGenkit initializes genkit with the configured provider plugin.
// Ollama requires explicit model registration; the Google providers
// discover models by name.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		plugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		return g, nil

	default: // gemini / googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
		return g, nil
	}
}

// modelRef prefixes the configured model name with its provider
// namespace as genkit expects.
func modelRef(cfg *config.Config) string {
	switch cfg.Provider {
	case config.ProviderOllama:
		return "ollama/" + cfg.ModelName
	default:
		return "googleai/" + cfg.ModelName
	}
}
