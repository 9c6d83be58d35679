package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonesrussell/bicrawl/internal/domain"
)

// The external backends carry queue entries as JSON documents.

// EncodeFrontierURL serializes a frontier URL for the wire.
func EncodeFrontierURL(u *domain.FrontierURL) ([]byte, error) {
	if u == nil {
		return nil, errors.New("frontier url cannot be nil")
	}

	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("serialize frontier url: %w", err)
	}

	return data, nil
}

// DecodeFrontierURL deserializes a frontier URL from the wire.
func DecodeFrontierURL(data []byte) (*domain.FrontierURL, error) {
	var u domain.FrontierURL
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("deserialize frontier url: %w", err)
	}

	return &u, nil
}

// EncodeParseTask serializes a parse task for the wire.
func EncodeParseTask(t *domain.ParseTask) ([]byte, error) {
	if t == nil {
		return nil, errors.New("parse task cannot be nil")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("serialize parse task: %w", err)
	}

	return data, nil
}

// DecodeParseTask deserializes a parse task from the wire.
func DecodeParseTask(data []byte) (*domain.ParseTask, error) {
	var t domain.ParseTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("deserialize parse task: %w", err)
	}

	return &t, nil
}

// EncodeRetryEntry serializes a retry entry for the wire.
func EncodeRetryEntry(e *domain.RetryEntry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize retry entry: %w", err)
	}

	return data, nil
}

// DecodeRetryEntry deserializes a retry entry from the wire.
func DecodeRetryEntry(data []byte) (*domain.RetryEntry, error) {
	var e domain.RetryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("deserialize retry entry: %w", err)
	}

	return &e, nil
}

// EncodeDeadLetterEntry serializes a dead-letter entry for the wire.
func EncodeDeadLetterEntry(e *domain.DeadLetterEntry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize dead-letter entry: %w", err)
	}

	return data, nil
}

// DecodeDeadLetterEntry deserializes a dead-letter entry from the wire.
func DecodeDeadLetterEntry(data []byte) (*domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("deserialize dead-letter entry: %w", err)
	}

	return &e, nil
}
