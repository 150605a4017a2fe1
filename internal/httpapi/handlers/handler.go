package handlers

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/lumizhao/sparkchat/internal/ai"
	"github.com/lumizhao/sparkchat/internal/chat"
	"github.com/lumizhao/sparkchat/internal/config"
	"github.com/lumizhao/sparkchat/internal/store/rabbitmq"
	"github.com/lumizhao/sparkchat/internal/store/redisstore"
	"github.com/lumizhao/sparkchat/internal/upload"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Redis   *redisstore.Store
	Rabbit  *rabbitmq.Publisher
	ChatSvc *chat.Service
	Uploads *upload.Signer
}

// NewHandler wires the chat service against the configured provider.
// Rabbit may be nil; async generation endpoints then report unavailable.
func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	repo := chat.NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
		), nil
	})

	provider := strings.ToLower(strings.TrimSpace(cfg.AIProvider))
	if provider == "" {
		provider = "ollama"
	}
	var model string
	switch provider {
	case "openrouter":
		model = cfg.OpenRouterModel
	default:
		model = cfg.OllamaModel
	}

	chatSvc := chat.NewService(repo, reg, provider, model, cfg.ChatContextWindowSize)
	signer := upload.NewSigner(
		cfg.ImageKitEndpoint, cfg.ImageKitPublicKey, cfg.ImageKitPrivateKey,
		rds, cfg.UploadTokenTTL,
	)

	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Redis:   rds,
		Rabbit:  rabbit,
		ChatSvc: chatSvc,
		Uploads: signer,
	}
}
