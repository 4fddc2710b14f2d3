// Package normalize turns raw inbound channel messages into canonical telemetry records.
package normalize

import (
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relvacode/iso8601"
	"github.com/tidwall/gjson"

	"iot-dataflow/internal/telemetry/domain"
)

// Reserved field names. They never appear in a flat payload.
const (
	fieldTime     = "time"
	fieldDeviceID = "deviceId"
	fieldTopic    = "topic"
	fieldSeq      = "seq"
	fieldMetadata = "metadata"
	fieldPayload  = "payload"
)

var reserved = map[string]bool{
	fieldTime:     true,
	fieldDeviceID: true,
	fieldTopic:    true,
	fieldSeq:      true,
	fieldMetadata: true,
}

// reservedWithPayload also drops an explicit "payload": null.
var reservedWithPayload = map[string]bool{
	fieldTime:     true,
	fieldDeviceID: true,
	fieldTopic:    true,
	fieldSeq:      true,
	fieldMetadata: true,
	fieldPayload:  true,
}

var (
	errInvalidUTF8 = errors.New("message is not valid UTF-8")
	errInvalidJSON = errors.New("message is not valid JSON")
	errShape       = errors.New("message must be a JSON object or an array of objects")
)

// Message is the normalized form of one inbound message.
type Message struct {
	Topic      string
	ReceivedAt time.Time
	Records    []domain.Record
	// Shapes[i] is how Records[i] carried its payload.
	Shapes []domain.PayloadShape
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for records that carry no valid time.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// Normalizer is stateless apart from its clock and safe for concurrent use.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer using the wall clock unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses raw, which must be a JSON object or an array of objects, into
// one record per element in input order. Any decoding problem rejects the whole
// message with a *domain.ParseError.
func (n *Normalizer) Normalize(topic string, raw []byte) (*Message, error) {
	if !utf8.Valid(raw) {
		return nil, &domain.ParseError{Topic: topic, Err: errInvalidUTF8}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &domain.ParseError{Topic: topic, Err: errInvalidJSON}
	}

	root := gjson.ParseBytes(raw)
	var elements []gjson.Result
	switch {
	case root.IsObject():
		elements = []gjson.Result{root}
	case root.IsArray():
		elements = root.Array()
		for _, el := range elements {
			if !el.IsObject() {
				return nil, &domain.ParseError{Topic: topic, Err: errShape}
			}
		}
	default:
		return nil, &domain.ParseError{Topic: topic, Err: errShape}
	}

	msg := &Message{
		Topic:      topic,
		ReceivedAt: n.now().UTC(),
		Records:    make([]domain.Record, 0, len(elements)),
		Shapes:     make([]domain.PayloadShape, 0, len(elements)),
	}
	topicDevice := deviceFromTopic(topic)
	for _, el := range elements {
		payload := ResolvePayload(el)
		msg.Records = append(msg.Records, domain.Record{
			Time:     resolveTime(el.Get(fieldTime), msg.ReceivedAt),
			DeviceID: resolveDeviceID(el.Get(fieldDeviceID), topicDevice),
			Topic:    topic,
			Payload:  payload.Values,
			Sequence: resolveSequence(el.Get(fieldSeq)),
			Metadata: resolveMetadata(el.Get(fieldMetadata)),
		})
		msg.Shapes = append(msg.Shapes, payload.Shape)
	}
	return msg, nil
}

// ResolvePayload decides once whether el carries its metrics nested under
// "payload" or flat alongside the reserved fields.
func ResolvePayload(el gjson.Result) domain.ResolvedPayload {
	nested := el.Get(fieldPayload)
	if nested.IsObject() {
		return domain.ResolvedPayload{Shape: domain.PayloadNested, Values: objectValues(nested, nil)}
	}
	skip := reserved
	if nested.Exists() && nested.Type == gjson.Null {
		skip = reservedWithPayload
	}
	return domain.ResolvedPayload{Shape: domain.PayloadFlat, Values: objectValues(el, skip)}
}

func objectValues(obj gjson.Result, skip map[string]bool) map[string]any {
	out := make(map[string]any)
	obj.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !skip[k] {
			out[k] = jsonValue(value)
		}
		return true
	})
	return out
}

// jsonValue converts v to plain Go values. Numbers outside the float64 range
// keep their raw text so they never count as numeric.
func jsonValue(v gjson.Result) any {
	switch {
	case v.Type == gjson.Number:
		if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
			return v.Raw
		}
		return v.Num
	case v.IsObject():
		return objectValues(v, nil)
	case v.IsArray():
		items := v.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = jsonValue(item)
		}
		return out
	default:
		return v.Value()
	}
}

// resolveTime accepts an ISO-8601 string or Unix milliseconds.
func resolveTime(v gjson.Result, fallback time.Time) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := iso8601.ParseString(strings.TrimSpace(v.Str)); err == nil {
			return t.UTC()
		}
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC()
	}
	return fallback
}

func resolveDeviceID(v gjson.Result, topicDevice string) string {
	switch v.Type {
	case gjson.String:
		if id := strings.TrimSpace(v.Str); id != "" {
			return id
		}
	case gjson.Number:
		return v.Raw
	}
	if topicDevice != "" {
		return topicDevice
	}
	return domain.UnknownDeviceID
}

// deviceFromTopic returns the last non-empty path segment of topic, or "".
func deviceFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(segments[i]); seg != "" {
			return seg
		}
	}
	return ""
}

func resolveSequence(v gjson.Result) *int64 {
	if v.Type != gjson.Number {
		return nil
	}
	seq := v.Int()
	return &seq
}

func resolveMetadata(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return map[string]any{}
	}
	return objectValues(v, nil)
}
