package app

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/songforge/internal/auth"
	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/worker"
)

// Clients are the connections to everything outside the process. Optional
// ones are nil when not configured.
type Clients struct {
	Redis     *redis.Client
	Asynq     *asynq.Client
	Inspector *asynq.Inspector
	Providers *client.Registry
	Storage   client.StorageClient
	LLM       client.ChatCompleter
	Verifier  auth.TokenVerifier
}

func (c Clients) Close() {
	if c.Verifier != nil {
		_ = c.Verifier.Close()
	}
	if c.Inspector != nil {
		_ = c.Inspector.Close()
	}
	if c.Asynq != nil {
		_ = c.Asynq.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}

func wireClients(ctx context.Context, cfg *config.Config, log *logger.Logger) (Clients, error) {
	var out Clients

	queueMode := cfg.Dispatch.Mode == DispatchQueue
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		switch {
		case err == nil:
			out.Redis = rdb
		case queueMode:
			_ = rdb.Close()
			return out, fmt.Errorf("redis is required in queue mode: %w", err)
		default:
			log.Warn("redis not available, using in-process events and no rate limiting", "addr", cfg.Redis.Addr, "error", err)
			_ = rdb.Close()
		}
	}

	if queueMode {
		out.Asynq = asynq.NewClient(worker.RedisOpt(cfg.Redis))
		out.Inspector = asynq.NewInspector(worker.RedisOpt(cfg.Redis))
	}

	out.Providers = wireProviders(cfg, log)

	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", "error", err)
		} else {
			out.Storage = r2
		}
	} else {
		log.Info("R2 storage not configured, keeping provider URLs")
	}

	if groq := client.NewGroqClient(&cfg.Groq); groq.IsConfigured() {
		out.LLM = groq
	}

	if cfg.Zitadel.Issuer != "" {
		verifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "error", err)
		} else {
			out.Verifier = verifier
		}
	}

	return out, nil
}

// wireProviders registers every configured provider adapter.
func wireProviders(cfg *config.Config, log *logger.Logger) *client.Registry {
	reg := client.NewRegistry()

	suno := client.NewSunoClient(&cfg.Suno, callbackURL(cfg.Callback, "suno"), log)
	if suno.IsConfigured() {
		reg.Register(suno)
	}
	mureka := client.NewMurekaClient(&cfg.Mureka, log)
	if mureka.IsConfigured() {
		reg.Register(mureka)
	}
	if cfg.TestProvider.Enabled {
		reg.Register(client.NewTestProvider(cfg.TestProvider.Delay))
	}

	if len(reg.Names()) == 0 {
		log.Warn("no generation provider configured")
	} else {
		log.Info("generation providers ready", "providers", reg.Names())
	}
	return reg
}

// callbackURL is where a provider posts completion hints, or "" when
// callbacks are not configured.
func callbackURL(cfg config.CallbackConfig, provider string) string {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return ""
	}
	return fmt.Sprintf("%s/callbacks/%s?token=%s", cfg.BaseURL, provider, url.QueryEscape(cfg.Token))
}
