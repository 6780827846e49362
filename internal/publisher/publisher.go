// Package publisher declares the outbound notification port for finished crawl sessions.
package publisher

import "context"

// Publisher sends a payload to a named topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads contribute message attributes alongside the JSON body.
type Attributed interface {
	Attributes() map[string]string
}
