// Package amqp publishes pump running-state transitions to an AMQP topic
// exchange, one event per channel start or stop.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event is the published message body.
type Event struct {
	Device  string    `json:"device"`
	Channel int       `json:"channel"`
	Running bool      `json:"running"`
	Time    time.Time `json:"time"`
}

// Notifier publishes Events for one pump. The routing key is
// "<device>.state.<started|stopped>".
type Notifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	deviceID string
	logger   *zap.Logger
}

// Dial connects to the broker and declares the exchange.
func Dial(uri, exchange, deviceID string, logger *zap.Logger) (*Notifier, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		false,    // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Notifier{conn: conn, ch: ch, exchange: exchange, deviceID: deviceID, logger: logger}, nil
}

// Hook adapts the Notifier to comm.WithStateHook. Publish failures are
// logged, never surfaced to the worker.
func (n *Notifier) Hook() func(channel int, running bool) {
	return func(channel int, running bool) {
		if err := n.publish(channel, running); err != nil {
			n.logger.Error("failed to publish state event",
				zap.Int("channel", channel), zap.Bool("running", running), zap.Error(err))
		}
	}
}

func (n *Notifier) publish(channel int, running bool) error {
	body, err := json.Marshal(&Event{
		Device:  n.deviceID,
		Channel: channel,
		Running: running,
		Time:    time.Now(),
	})
	if err != nil {
		return err
	}
	state := "stopped"
	if running {
		state = "started"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.ch.PublishWithContext(ctx,
		n.exchange,
		fmt.Sprintf("%s.state.%s", n.deviceID, state),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (n *Notifier) Close() error {
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			return err
		}
	}
	return n.conn.Close()
}
