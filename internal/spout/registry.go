package spout

import (
	"fmt"
	"log/slog"

	"github.com/lsm/shunt/internal/buffer"
	"github.com/lsm/shunt/internal/config"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/persistence"
	"github.com/lsm/shunt/internal/retrymgr"
)

// Plugin selection is an explicit registry: a stable string key in the
// config maps to a constructor. Unknown keys fail at open.

var bufferFactories = map[string]func(cfg config.BufferConfig) (buffer.Buffer, error){
	"fifo": func(cfg config.BufferConfig) (buffer.Buffer, error) {
		return buffer.NewFIFO(cfg.MaxSize)
	},
	"round-robin": func(cfg config.BufferConfig) (buffer.Buffer, error) {
		return buffer.NewRoundRobin(cfg.MaxSize)
	},
	"throttled": func(cfg config.BufferConfig) (buffer.Buffer, error) {
		return buffer.NewThrottled(cfg.MaxSize, cfg.ThrottledSize, cfg.ThrottledRegex)
	},
}

var deserializerFactories = map[string]func() message.Deserializer{
	"json": func() message.Deserializer { return message.JSONDeserializer{} },
	"raw":  func() message.Deserializer { return message.RawDeserializer{} },
}

var retryFactories = map[string]func(cfg config.RetryConfig) retrymgr.Manager{
	"never": func(config.RetryConfig) retrymgr.Manager { return retrymgr.NeverRetry{} },
	"exponential": func(cfg config.RetryConfig) retrymgr.Manager {
		return retrymgr.NewExponentialBackoff(
			cfg.MaxAttempts, cfg.InitialDelay(), cfg.DelayMultiplier, nil)
	},
}

var persistenceFactories = map[string]func(cfg config.PersistenceConfig, logger *slog.Logger) persistence.Adapter{
	"redis": func(cfg config.PersistenceConfig, logger *slog.Logger) persistence.Adapter {
		return persistence.NewRedis(persistence.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Root:     cfg.Root,
		}, logger)
	},
	"memory": func(config.PersistenceConfig, *slog.Logger) persistence.Adapter {
		return persistence.NewMemory()
	},
}

func newBuffer(cfg config.BufferConfig) (buffer.Buffer, error) {
	factory, ok := bufferFactories[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("unknown buffer class %q", cfg.Class)
	}
	return factory(cfg)
}

func newDeserializer(class string) (message.Deserializer, error) {
	factory, ok := deserializerFactories[class]
	if !ok {
		return nil, fmt.Errorf("unknown deserializer class %q", class)
	}
	return factory(), nil
}

func newRetryManager(cfg config.RetryConfig) (retrymgr.Manager, error) {
	factory, ok := retryFactories[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("unknown retry class %q", cfg.Class)
	}
	return factory(cfg), nil
}

func newPersistenceAdapter(cfg config.PersistenceConfig, logger *slog.Logger) (persistence.Adapter, error) {
	factory, ok := persistenceFactories[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("unknown persistence class %q", cfg.Class)
	}
	return factory(cfg, logger), nil
}
