package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/value"
)

// leafDepth is the number of containers between the payload root and the
// reading: {"<group>": {"<address>": {"<name>": 87.5}}}.
const leafDepth = 3

var parsers fastjson.ParserPool

// TopicHandler turns a device reading into a buffer upsert for one group.
// It never returns an error: malformed payloads are logged and dropped so a
// misbehaving device cannot disturb other topics.
type TopicHandler struct {
	// Prefix is stripped from the topic before the tag is derived.
	Prefix string

	// Group is the buffer group, and thereby the table, readings land in.
	Group string

	Buffer buffer.Store

	// Clock stamps upserts. Nil means time.Now.
	Clock func() time.Time
}

// Handle implements Handler.
func (h *TopicHandler) Handle(ctx context.Context, msg Message) error {
	logger := logging.WithContext(ctx, log).With("group", h.Group)

	tag := TagFromTopic(msg.Topic, h.Prefix)
	if tag == "" {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonEmptyTag).Inc()
		logger.Warn("topic yields empty tag", "prefix", h.Prefix)
		return nil
	}

	reading, err := ExtractValue(msg.Payload)
	if err != nil {
		reason := metrics.ReasonNoLeaf
		if errors.Is(err, errors.ErrParse) {
			reason = metrics.ReasonParse
		}
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		logger.Warn("failed to extract value", "tag", tag, "error", err)
		return nil
	}

	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}

	err = h.Buffer.Upsert(ctx, buffer.Sample{
		Group:      h.Group,
		Tag:        tag,
		Value:      value.Float(reading),
		ObservedAt: now(),
	})
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonBufferError).Inc()
		logger.Error("buffer upsert failed", "tag", tag, "error", err)
		return nil
	}

	metrics.BufferUpserts.WithLabelValues(h.Group).Inc()
	logger.Debug("reading buffered", "tag", tag, "value", reading)
	return nil
}

// TagFromTopic derives the buffer tag of topic: the prefix is removed, the
// rest lowercased, dashes become underscores and whitespace-separated words
// are joined with underscores.
func TagFromTopic(topic, prefix string) string {
	tag := strings.TrimPrefix(topic, prefix)
	tag = strings.ToLower(tag)
	tag = strings.ReplaceAll(tag, "-", "_")
	return strings.Join(strings.Fields(tag), "_")
}

// ExtractValue returns the reading of a device payload: the first leaf found
// exactly three containers below the root, walking objects in key order and
// arrays in index order. Scalars met before that depth are skipped.
//
// A numeric leaf or a numeric string is returned as is and a boolean as 1
// or 0. Any other first leaf yields ErrNoLeaf.
func ExtractValue(payload []byte) (float64, error) {
	p := parsers.Get()
	defer parsers.Put(p)

	root, err := p.ParseBytes(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errors.ErrParse, err)
	}

	leaf := firstLeaf(root, leafDepth)
	if leaf == nil {
		return 0, errors.ErrNoLeaf
	}
	return leafValue(leaf)
}

// firstLeaf descends depth containers and returns the first child found at
// the bottom, or nil.
func firstLeaf(v *fastjson.Value, depth int) *fastjson.Value {
	if depth == 0 {
		return v
	}

	var found *fastjson.Value
	visit := func(child *fastjson.Value) {
		if found != nil {
			return
		}
		if depth > 1 && !isContainer(child) {
			return
		}
		found = firstLeaf(child, depth-1)
	}

	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		obj.Visit(func(_ []byte, child *fastjson.Value) { visit(child) })
	case fastjson.TypeArray:
		arr, _ := v.Array()
		for _, child := range arr {
			visit(child)
		}
	}
	return found
}

func isContainer(v *fastjson.Value) bool {
	t := v.Type()
	return t == fastjson.TypeObject || t == fastjson.TypeArray
}

func leafValue(v *fastjson.Value) (float64, error) {
	switch v.Type() {
	case fastjson.TypeNumber:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errors.ErrParse, err)
		}
		return f, nil
	case fastjson.TypeTrue:
		return 1, nil
	case fastjson.TypeFalse:
		return 0, nil
	case fastjson.TypeString:
		s, _ := v.StringBytes()
		n, ok := schema.ParseNumericText(string(s))
		if !ok {
			return 0, fmt.Errorf("non-numeric leaf %q: %w", s, errors.ErrNoLeaf)
		}
		if i, ok := n.AsInt(); ok {
			return float64(i), nil
		}
		f, _ := n.AsFloat()
		return f, nil
	default:
		return 0, fmt.Errorf("%s leaf: %w", v.Type(), errors.ErrNoLeaf)
	}
}
