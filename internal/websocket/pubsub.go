package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PubSubProvider доставляет сообщения между инстансами
type PubSubProvider interface {
	Publish(channel string, message []byte) error
	// Subscribe возвращает канал сообщений; он закрывается после отмены ctx или Close
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// NoOpPubSub используется в одиночном режиме: публикация теряется, подписка молчит
type NoOpPubSub struct{}

func (p *NoOpPubSub) Publish(channel string, message []byte) error { return nil }

func (p *NoOpPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (p *NoOpPubSub) Close() error { return nil }

const subscriberBuffer = 64

// RedisPubSub - PubSubProvider поверх Redis Pub/Sub.
// Каждый Subscribe держит собственное соединение подписки.
type RedisPubSub struct {
	client redis.UniversalClient
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewRedisPubSub проверяет клиента и создает провайдера. Close закрывает и клиента.
func NewRedisPubSub(client redis.UniversalClient) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisPubSub{client: client, done: make(chan struct{})}, nil
}

func (p *RedisPubSub) Publish(channel string, message []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	select {
	case <-p.done:
		return nil, errors.New("pubsub is closed")
	default:
	}

	sub := p.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	log.Printf("[PubSub] Подписка на %s активна", channel)

	out := make(chan []byte, subscriberBuffer)
	p.wg.Add(1)
	go p.pump(ctx, channel, sub, out)
	return out, nil
}

// pump переносит сообщения Redis в out, пока жив ctx и провайдер не закрыт
func (p *RedisPubSub) pump(ctx context.Context, channel string, sub *redis.PubSub, out chan<- []byte) {
	defer p.wg.Done()
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case msg, ok := <-in:
			if !ok {
				log.Printf("[PubSub] Подписка на %s закрыта Redis", channel)
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
	}
}

// Close останавливает подписки, дожидается их завершения и закрывает клиента
func (p *RedisPubSub) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.client.Close()
	})
	return err
}
