// Package notify publishes conversation lifecycle events.
//
// Events are JSON envelopes with a Meta header and a typed Data payload,
// published to a durable AMQP topic exchange with the event type as the
// routing key. Consumers can bind to "council.conversation.#" or
// "council.turn.#". When no broker is configured the server uses Nop.
package notify
