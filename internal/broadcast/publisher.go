package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/lowaak/treadmill-bridge/internal/store"
)

type Config struct {
	Addr     string
	Password string
	// Prefix namespaces the record channel as "<prefix>:records"
	Prefix          string
	ShutdownTopic   string
	ShutdownMessage string
}

// ConnectRedis returns nil when no address is configured
func ConnectRedis(cfg Config) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
}

// Publisher announces stored records and the shutdown notice on Redis.
// A Publisher without a client, or a nil *Publisher, drops everything.
type Publisher struct {
	client *redis.Client
	cfg    Config
	logger *log.Logger
}

func NewPublisher(client *redis.Client, cfg Config, logger *log.Logger) *Publisher {
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "treadmill"
	}
	if cfg.ShutdownTopic == "" {
		cfg.ShutdownTopic = cfg.Prefix + ":shutdown"
	}
	return &Publisher{client: client, cfg: cfg, logger: logger}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

func (p *Publisher) RecordsChannel() string {
	return p.cfg.Prefix + ":records"
}

func (p *Publisher) PublishRecord(ctx context.Context, rec store.Record) error {
	if !p.Enabled() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := p.client.Publish(ctx, p.RecordsChannel(), payload).Err(); err != nil {
		p.logger.Printf("Publisher: Failed to publish record %s: %v", rec.ID, err)
		return fmt.Errorf("publish record %s: %w", rec.ID, err)
	}
	return nil
}

// PublishShutdown sends the configured shutdown message. An empty message is skipped.
func (p *Publisher) PublishShutdown(ctx context.Context) error {
	if !p.Enabled() || p.cfg.ShutdownMessage == "" {
		return nil
	}
	if err := p.client.Publish(ctx, p.cfg.ShutdownTopic, p.cfg.ShutdownMessage).Err(); err != nil {
		p.logger.Printf("Publisher: Failed to publish shutdown notice: %v", err)
		return fmt.Errorf("publish shutdown notice: %w", err)
	}
	p.logger.Printf("Publisher: Shutdown notice sent on %s", p.cfg.ShutdownTopic)
	return nil
}

func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.client.Close()
}
