// Package consumer ingests dark pool order commands from RabbitMQ. It is the
// asynchronous twin of the HTTP order endpoints: institutional gateways drop
// signed commands on durable queues and the consumer feeds them into the pool.
package consumer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/darkpool"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// OrderService is the slice of the dark pool service the consumer drives.
type OrderService interface {
	SubmitOrder(ctx context.Context, in darkpool.SubmitOrderInput) (uuid.UUID, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, signature string) error
}

// SubmitOrderCommand is the wire form of an order submission.
type SubmitOrderCommand struct {
	Base             string `json:"base"`
	Quote            string `json:"quote"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	PriceCommitment  string `json:"price_commitment"`
	SizeCommitment   string `json:"size_commitment"`
	IdentityCommit   string `json:"identity_commitment"`
	TraderAddr       string `json:"trader_addr"`
	Privacy          string `json:"privacy"`
	Detail           string `json:"detail,omitempty"`            // hex
	Ciphertext       string `json:"ciphertext"`                  // hex, sealed to the matching enclave
	CompressionProof string `json:"compression_proof,omitempty"` // hex
	Size             string `json:"size"`
	ExpiresAt        int64  `json:"expires_at"`
	Signature        string `json:"signature"`
	SignerKey        string `json:"signer_key"`
	NextKey          string `json:"next_key,omitempty"` // successor key a later cancel/modify verifies against
	Nonce            uint64 `json:"nonce"`
}

// CancelOrderCommand is the wire form of an order cancellation.
type CancelOrderCommand struct {
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
}

// Consumer consumes order commands from RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	orders  OrderService
	pool    string
	logger  *zap.Logger
	done    chan struct{}
}

// NewConsumer dials RabbitMQ and opens a channel. pool distinguishes queue
// names when several pools share one broker.
func NewConsumer(url, pool string, orders OrderService, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		orders:  orders,
		pool:    pool,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start declares the command queues and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	submitQueue := fmt.Sprintf("inbound.orders.submit.%s", c.pool)
	cancelQueue := fmt.Sprintf("inbound.orders.cancel.%s", c.pool)

	if _, err := c.channel.QueueDeclare(submitQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", submitQueue, err)
	}

	if _, err := c.channel.QueueDeclare(cancelQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cancelQueue, err)
	}

	submitMsgs, err := c.channel.Consume(submitQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", submitQueue, err)
	}

	cancelMsgs, err := c.channel.Consume(cancelQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", cancelQueue, err)
	}

	c.logger.Info("consumer.started",
		zap.String("submit_queue", submitQueue),
		zap.String("cancel_queue", cancelQueue),
	)

	go c.consumeSubmits(ctx, submitMsgs)
	go c.consumeCancels(ctx, cancelMsgs)

	return nil
}

func (c *Consumer) consumeSubmits(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("consumer.submit_channel_closed")
				return
			}

			var cmd SubmitOrderCommand
			if err := json.Unmarshal(msg.Body, &cmd); err != nil {
				c.logger.Error("consumer.submit_decode_failed", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			in, err := cmd.toInput()
			if err != nil {
				c.logger.Error("consumer.submit_invalid", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			id, err := c.orders.SubmitOrder(ctx, in)
			if err != nil {
				c.logger.Error("consumer.submit_failed", zap.Error(err))
				// Validation and signature failures are final; do not requeue.
				msg.Nack(false, false)
				continue
			}

			c.logger.Debug("consumer.submit_accepted", zap.String("order_id", id.String()))
			msg.Ack(false)
		}
	}
}

func (c *Consumer) consumeCancels(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("consumer.cancel_channel_closed")
				return
			}

			var cmd CancelOrderCommand
			if err := json.Unmarshal(msg.Body, &cmd); err != nil {
				c.logger.Error("consumer.cancel_decode_failed", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			orderID, err := uuid.Parse(cmd.OrderID)
			if err != nil {
				c.logger.Error("consumer.cancel_invalid_id", zap.String("order_id", cmd.OrderID))
				msg.Nack(false, false)
				continue
			}

			if err := c.orders.CancelOrder(ctx, orderID, cmd.Signature); err != nil {
				c.logger.Error("consumer.cancel_failed",
					zap.String("order_id", cmd.OrderID),
					zap.Error(err),
				)
				msg.Nack(false, false)
				continue
			}

			c.logger.Debug("consumer.cancel_accepted", zap.String("order_id", cmd.OrderID))
			msg.Ack(false)
		}
	}
}

func (cmd *SubmitOrderCommand) toInput() (darkpool.SubmitOrderInput, error) {
	ciphertext, err := hex.DecodeString(cmd.Ciphertext)
	if err != nil {
		return darkpool.SubmitOrderInput{}, fmt.Errorf("decoding ciphertext: %w", err)
	}

	var detail []byte
	if cmd.Detail != "" {
		if detail, err = hex.DecodeString(cmd.Detail); err != nil {
			return darkpool.SubmitOrderInput{}, fmt.Errorf("decoding detail: %w", err)
		}
	}

	var proof []byte
	if cmd.CompressionProof != "" {
		if proof, err = hex.DecodeString(cmd.CompressionProof); err != nil {
			return darkpool.SubmitOrderInput{}, fmt.Errorf("decoding compression proof: %w", err)
		}
	}

	return darkpool.SubmitOrderInput{
		Pair:             model.Pair{Base: cmd.Base, Quote: cmd.Quote},
		Side:             model.Side(cmd.Side),
		Type:             model.OrderType(cmd.Type),
		PriceCommit:      model.Commitment(cmd.PriceCommitment),
		SizeCommit:       model.Commitment(cmd.SizeCommitment),
		IdentityCommit:   model.Commitment(cmd.IdentityCommit),
		TraderAddr:       cmd.TraderAddr,
		Privacy:          model.PrivacyLevel(cmd.Privacy),
		Detail:           detail,
		Ciphertext:       ciphertext,
		Size:             cmd.Size,
		ExpiresAt:        time.Unix(cmd.ExpiresAt, 0).UTC(),
		Signature:        cmd.Signature,
		SignerKey:        cmd.SignerKey,
		NextKey:          cmd.NextKey,
		Nonce:            cmd.Nonce,
		CompressionProof: proof,
	}, nil
}

// Close stops the consumer goroutines and closes the connection.
func (c *Consumer) Close() error {
	close(c.done)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
