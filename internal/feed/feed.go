// Package feed publishes discrepancy records for the admin surface over
// RabbitMQ. Delivery is best effort; the durable record is the database row.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const discrepancyQueue = "reconciliation.discrepancies"

type Publisher struct {
	conn *amqp.Connection
}

func NewPublisher(conn *amqp.Connection) *Publisher {
	return &Publisher{conn: conn}
}

type discrepancyMessage struct {
	ID           string    `json:"id"`
	Processor    string    `json:"processor"`
	Day          string    `json:"day"`
	LedgerCents  int64     `json:"ledger_cents"`
	SettledCents int64     `json:"settled_cents"`
	DeltaCents   int64     `json:"delta_cents"`
	Severity     string    `json:"severity"`
	DetectedAt   time.Time `json:"detected_at"`
}

func (p *Publisher) PublishDiscrepancy(ctx context.Context, d domain.Discrepancy) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		discrepancyQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return err
	}

	body, err := json.Marshal(discrepancyMessage{
		ID:           d.ID,
		Processor:    string(d.Processor),
		Day:          d.Day.Format("2006-01-02"),
		LedgerCents:  d.LedgerCents,
		SettledCents: d.SettledCents,
		DeltaCents:   d.DeltaCents,
		Severity:     string(d.Severity),
		DetectedAt:   d.DetectedAt,
	})
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		"",
		q.Name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}
