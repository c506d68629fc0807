package eventbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadWrite is returned for set messages that cannot be applied.
var ErrBadWrite = errors.New("eventbridge: invalid write")

// handleSet applies a JSON value published on a set topic. The payload is
// either a bare JSON value or an object with a "value" field.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	err := b.applySet(topic, payload)
	if err != nil {
		b.writesFailed.Add(1)
		return err
	}
	b.writesApplied.Add(1)
	return nil
}

func (b *Bridge) applySet(topic string, payload []byte) error {
	path, ok := b.topics.PathFromSetTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected topic %q", ErrBadWrite, topic)
	}
	v, err := decodeSetPayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadWrite, path, err)
	}
	n, err := b.store.Lookup(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadWrite, err)
	}
	if err := b.store.SetValue(n, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadWrite, err)
	}
	b.logger.Debug("applied MQTT write", "path", path)
	return nil
}

func decodeSetPayload(payload []byte) (any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] == '{' {
		var wrapped struct {
			Value *json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(payload, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Value == nil {
			return nil, errors.New(`object payload without "value"`)
		}
		payload = *wrapped.Value
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
