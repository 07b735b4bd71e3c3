// Package ingest routes incoming MQTT messages to topic handlers.
//
// The transport enqueues every message; a bounded worker pool picks them up,
// finds the first route whose pattern matches the topic and hands the
// message to its handler. Handlers write to the buffer only.
package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xtwoend/bga-dse/internal/validation"
)

// Message is one message received from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time

	// Source names the subscription the message arrived on.
	Source string
}

// Handler processes a routed message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type route struct {
	pattern string
	levels  []string
	handler Handler
}

// Router maps MQTT topic filters to handlers. Routes are matched in
// registration order and the first match wins.
//
// Router is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers h for pattern. '+' matches exactly one level and a
// trailing '#' matches the remaining levels, including none.
func (r *Router) Handle(pattern string, h Handler) error {
	if err := validation.ValidateTopicPattern(pattern); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		pattern: pattern,
		levels:  strings.Split(pattern, "/"),
		handler: h,
	})
	return nil
}

// Match returns the handler of the first route matching topic.
func (r *Router) Match(topic string) (Handler, string, bool) {
	levels := strings.Split(topic, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if matchLevels(rt.levels, levels) {
			return rt.handler, rt.pattern, true
		}
	}
	return nil, "", false
}

// Patterns returns the registered patterns in match order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

// MatchTopic reports whether topic matches the MQTT filter pattern.
func MatchTopic(pattern, topic string) bool {
	return matchLevels(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

func matchLevels(filter, topic []string) bool {
	// Wildcards never match system topics.
	if len(topic) > 0 && strings.HasPrefix(topic[0], "$") &&
		len(filter) > 0 && (filter[0] == "+" || filter[0] == "#") {
		return false
	}

	for i, f := range filter {
		if f == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if f != "+" && f != topic[i] {
			return false
		}
	}
	return len(filter) == len(topic)
}
