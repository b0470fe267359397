// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp091

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	deadLetterSuffix = "/$DeadLetterQueue"
	deferredSuffix   = "/$Deferred"
	scheduledSuffix  = "/$Scheduled"
)

// queueDefinition is one queue of an entity's topology.
type queueDefinition struct {
	name string
	args amqp.Table
}

func deadLetterName(entity string) string {
	return entity + deadLetterSuffix
}

func deferredName(entity string) string {
	return entity + deferredSuffix
}

func scheduledName(entity string) string {
	return entity + scheduledSuffix
}

// isDeadLetter reports whether entity is a dead-letter sub queue.
func isDeadLetter(entity string) bool {
	return strings.HasSuffix(entity, deadLetterSuffix)
}

// topologyOf lists the queues backing entity, dependencies first:
//  1. the deferred queue
//  2. the dead-letter queue
//  3. the scheduled queue, which dead-letters expired messages into the entity
//  4. the entity itself
//
// A dead-letter sub queue only has its deferred queue and itself.
func topologyOf(entity string) []queueDefinition {
	queues := []queueDefinition{{name: deferredName(entity)}}

	if !isDeadLetter(entity) {
		queues = append(queues,
			queueDefinition{name: deadLetterName(entity)},
			queueDefinition{name: scheduledName(entity), args: amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": entity,
			}},
		)
	}

	return append(queues, queueDefinition{name: entity})
}

// declare declares the topology of entity. Declarations are idempotent, so every link
// declares what it touches.
func declare(ch channel, entity string) error {
	logrus.WithField("entity", entity).Debug("servicebus declaring queues...")

	for _, q := range topologyOf(entity) {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			logrus.WithError(err).Errorf("servicebus failure to declare queue: %s", q.name)
			return mapError(err)
		}
	}

	logrus.WithField("entity", entity).Debug("servicebus queues declared")
	return nil
}
