/**
 * @description
 * This package provides a simple producer for publishing bridge events to
 * RabbitMQ. It encapsulates the logic for connecting to RabbitMQ and publishing
 * a message to a specific exchange and routing key. Swap lifecycle events are
 * advisory; the rollback-failed alert is the one delivery the orchestrator
 * treats as an obligation, so its publish failure is surfaced to the caller.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// BridgeEventsExchange is the durable topic exchange all bridge events go to.
const BridgeEventsExchange = "bridge_events"

// Routing keys on the bridge events exchange.
const (
	RoutingKeySwapCompleted  = "swap.completed"
	RoutingKeySwapRolledBack = "swap.rolled_back"
	RoutingKeySwapRejected   = "swap.rejected"
	RoutingKeyRollbackFailed = "swap.rollback.failed"
)

// SwapLifecycleEvent is the payload published when a swap reaches a terminal state.
type SwapLifecycleEvent struct {
	SwapID       uuid.UUID `json:"swap_id"`
	State        string    `json:"state"`
	Outcome      string    `json:"outcome"`
	SourceChain  string    `json:"source_chain"`
	DestChain    string    `json:"dest_chain"`
	SourceAmount float64   `json:"source_amount"`
	DestAmount   float64   `json:"dest_amount,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RollbackFailedEvent is the alert payload for swaps needing manual
// reconciliation: the withdrawal succeeded but neither the deposit nor the
// compensating refund could be confirmed.
type RollbackFailedEvent struct {
	SwapID        uuid.UUID `json:"swap_id"`
	SourceChain   string    `json:"source_chain"`
	DestChain     string    `json:"dest_chain"`
	SourceAddress string    `json:"source_address"`
	DestAddress   string    `json:"dest_address"`
	SourceAmount  float64   `json:"source_amount"`
	DestAmount    float64   `json:"dest_amount,omitempty"`
	WithdrawTxRef string    `json:"withdraw_tx_ref"`
	DepositTxRef  string    `json:"deposit_tx_ref,omitempty"`
	RollbackTxRef string    `json:"rollback_tx_ref,omitempty"`
	ErrorDetail   string    `json:"error_detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishSwapLifecycleEvent(ctx context.Context, routingKey string, event SwapLifecycleEvent) error
	PublishRollbackFailedAlert(ctx context.Context, event RollbackFailedEvent) error
	Close()
}

// EventProducerFallback is a minimal publisher used when RabbitMQ is
// unavailable at startup. Lifecycle events are dropped with a warning;
// rollback-failed alerts are written to the log at error level so they are
// never silently lost.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishSwapLifecycleEvent(ctx context.Context, routingKey string, event SwapLifecycleEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"lifecycle event publish skipped\" routing_key=%s swap_id=%s", routingKey, event.SwapID)
	return nil
}

func (p *EventProducerFallback) PublishRollbackFailedAlert(ctx context.Context, event RollbackFailedEvent) error {
	body, _ := json.Marshal(event)
	log.Printf("level=error component=rabbitmq_producer mode=fallback msg=\"ROLLBACK FAILED ALERT (broker unavailable)\" swap_id=%s payload=%s", event.SwapID, body)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishSwapLifecycleEvent publishes a terminal swap event to the bridge events exchange.
func (p *EventProducer) PublishSwapLifecycleEvent(ctx context.Context, routingKey string, event SwapLifecycleEvent) error {
	return p.Publish(ctx, BridgeEventsExchange, routingKey, event)
}

// PublishRollbackFailedAlert publishes the manual-reconciliation alert.
func (p *EventProducer) PublishRollbackFailedAlert(ctx context.Context, event RollbackFailedEvent) error {
	return p.Publish(ctx, BridgeEventsExchange, RoutingKeyRollbackFailed, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
