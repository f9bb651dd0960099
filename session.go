package sqlsession

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// Session is the decoded state of one session during a request.
// Values is serialized with gob into the opaque payload the Store persists.
type Session struct {
	ID     string
	Values map[string]any
	// Lock is the outcome of taking the session lock when the session was started.
	Lock LockResult

	mu      sync.Mutex
	handler *Handler
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	s.Values[key] = value
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Values, key)
}

// Clear removes every value from the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.Values)
}

// encodeValues gob-encodes values into a pooled buffer. The caller must hand the
// buffer back with PutBuffer once the payload has been written. Empty sessions
// encode to an empty payload and a nil buffer.
func encodeValues(values map[string]any) (*bytes.Buffer, error) {
	if len(values) == 0 {
		return nil, nil
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		PutBuffer(buf)
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return buf, nil
}

func decodeValues(data []byte) (map[string]any, error) {
	var values map[string]any

	// Empty payloads are new or destroyed sessions; skip gob entirely.
	if len(data) > 0 {
		reader := readerPool.Get().(*bytes.Reader)
		reader.Reset(data)
		defer readerPool.Put(reader)

		if err := gob.NewDecoder(reader).Decode(&values); err != nil {
			return nil, fmt.Errorf("failed to decode session data: %w", err)
		}
	}

	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

func init() {
	gob.Register(map[string]any{})
}
