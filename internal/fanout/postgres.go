package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/reliability"
)

// maxNotifyPayload is PostgreSQL's NOTIFY payload limit.
const maxNotifyPayload = 7999

// spillRetention bounds how long a spilled payload waits for listeners.
const spillRetention = 5 * time.Minute

var ErrPayloadTooLarge = errors.New("fan-out payload exceeds NOTIFY limit")

const createSpillTable = `CREATE TABLE IF NOT EXISTS fanout_payloads (
	id         UUID PRIMARY KEY,
	payload    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBus uses LISTEN/NOTIFY so hubs on different instances see each
// other's broadcasts. Messages over the NOTIFY limit are written to
// fanout_payloads and announced by reference.
type PostgresBus struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresBus(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresBus, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createSpillTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create fanout_payloads: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBus{pool: pool, logger: logger}, nil
}

// notifyPayload encodes msg for NOTIFY. spill reports that the encoded
// message is too large and must travel by reference instead.
func notifyPayload(msg Message) (payload []byte, spill bool, err error) {
	payload, err = json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("encode bus message: %w", err)
	}
	return payload, len(payload) > maxNotifyPayload, nil
}

func (b *PostgresBus) Publish(ctx context.Context, msg Message) error {
	payload, spill, err := notifyPayload(msg)
	if err != nil {
		return err
	}
	if spill {
		if payload, err = b.spill(ctx, msg, payload); err != nil {
			return err
		}
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// spill stores payload and returns the reference message to notify instead.
func (b *PostgresBus) spill(ctx context.Context, msg Message, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	if _, err := b.pool.Exec(ctx, `INSERT INTO fanout_payloads (id, payload) VALUES ($1, $2)`, id, string(payload)); err != nil {
		return nil, fmt.Errorf("store fan-out payload: %w", err)
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM fanout_payloads WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(spillRetention.Seconds()))); err != nil {
		b.logger.Warn("pruning fan-out payloads failed", zap.Error(err))
	}
	ref, err := json.Marshal(Message{SessionID: msg.SessionID, Origin: msg.Origin, Ref: id})
	if err != nil {
		return nil, fmt.Errorf("encode bus reference: %w", err)
	}
	if len(ref) > maxNotifyPayload {
		return nil, ErrPayloadTooLarge
	}
	return ref, nil
}

// resolve replaces a reference message with the stored message.
func (b *PostgresBus) resolve(ctx context.Context, msg Message) (Message, error) {
	if msg.Ref == "" {
		return msg, nil
	}
	var payload string
	if err := b.pool.QueryRow(ctx, `SELECT payload FROM fanout_payloads WHERE id = $1`, msg.Ref).Scan(&payload); err != nil {
		return Message{}, fmt.Errorf("load fan-out payload %s: %w", msg.Ref, err)
	}
	var full Message
	if err := json.Unmarshal([]byte(payload), &full); err != nil {
		return Message{}, fmt.Errorf("decode fan-out payload %s: %w", msg.Ref, err)
	}
	return full, nil
}

// Subscribe holds one pooled connection in LISTEN mode and reconnects with
// backoff when it drops.
func (b *PostgresBus) Subscribe(ctx context.Context, handler func(Message)) error {
	attempt := 0
	for {
		err := b.listen(ctx, handler, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 10*time.Second)
		attempt++
		b.logger.Warn("fan-out listener lost, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *PostgresBus) listen(ctx context.Context, handler func(Message), onListening func()) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListening()
	b.logger.Info("fan-out listening", zap.String("channel", Channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// The connection may still be in LISTEN mode; do not return it
			// to the pool.
			_ = conn.Conn().Close(context.Background())
			return err
		}
		var msg Message
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			b.logger.Warn("dropping malformed fan-out payload", zap.Error(err))
			continue
		}
		if msg, err = b.resolve(ctx, msg); err != nil {
			b.logger.Warn("dropping unresolvable fan-out reference", zap.Error(err))
			continue
		}
		handler(msg)
	}
}

func (b *PostgresBus) Close() error {
	b.pool.Close()
	return nil
}
