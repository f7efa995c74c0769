// Package events publishes confirmed ledger activity to NATS for downstream
// consumers such as notification and analytics services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rewards/internal/models"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "rewards.ledger."

type EntryConfirmed struct {
	EntryID         string           `json:"entry_id"`
	AccountID       string           `json:"account_id"`
	Type            models.EntryType `json:"type"`
	Amount          string           `json:"amount"`
	Currency        models.Currency  `json:"currency"`
	BalanceAfter    string           `json:"balance_after"`
	SourceAccountID *string          `json:"source_account_id,omitempty"`
	Level           *int             `json:"level,omitempty"`
	ConfirmedAt     time.Time        `json:"confirmed_at"`
}

// Subject is the NATS subject an event is published on.
func (e EntryConfirmed) Subject() string {
	return subjectPrefix + string(e.Type)
}

// Conn is the slice of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

type Publisher struct {
	conn Conn
}

func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) PublishEntry(ctx context.Context, event EntryConfirmed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(event.Subject(), payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.Subject(), err)
	}
	return nil
}

// Connect dials NATS with reconnect settings suited to a long-running service.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Nop drops every event. Used when NATS_URL is not configured.
type Nop struct{}

func (Nop) PublishEntry(context.Context, EntryConfirmed) error { return nil }
