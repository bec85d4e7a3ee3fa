// Package session binds server-side sessions to an HTTP cookie. A
// session is created on demand, carries a typed key/value payload, and
// ends when cleared, deleted, or swept after its maximum age.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/alexjbarnes/authkeep/internal/hasher"
)

// tokenBytes is the session token size: 128 bits, rendered as 32
// lowercase hex characters.
const tokenBytes = 16

// Kind tags the type held by a Value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
	KindBytes
)

// Value is a tagged session payload value.
type Value struct {
	Kind  Kind   `json:"k"`
	Str   string `json:"s,omitempty"`
	Int   int64  `json:"i,omitempty"`
	Bool  bool   `json:"b,omitempty"`
	Bytes []byte `json:"y,omitempty"`
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }

// Bytes copies b into a new Value.
func Bytes(b []byte) Value {
	return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}
}

// AsString returns the string and whether the value holds one.
func (v Value) AsString() (string, bool) { return v.Str, v.Kind == KindString }

// AsInt returns the integer and whether the value holds one.
func (v Value) AsInt() (int64, bool) { return v.Int, v.Kind == KindInt }

// AsBool returns the bool and whether the value holds one.
func (v Value) AsBool() (bool, bool) { return v.Bool, v.Kind == KindBool }

// AsBytes returns the bytes and whether the value holds them.
func (v Value) AsBytes() ([]byte, bool) { return v.Bytes, v.Kind == KindBytes }

// Session is one user session. Payload access is safe for concurrent
// use by requests sharing the token.
type Session struct {
	token         string
	createdMillis int64

	mu   sync.RWMutex
	data map[string]Value
}

func newSession(initial map[string]Value) *Session {
	s := &Session{
		token:         hasher.RandomHex(tokenBytes),
		createdMillis: time.Now().UnixMilli(),
		data:          make(map[string]Value, len(initial)),
	}
	for k, v := range initial {
		s.data[k] = v
	}
	return s
}

// Restore rebuilds a session from persisted fields. Backends use it
// when decoding stored sessions.
func Restore(token string, createdMillis int64, data map[string]Value) *Session {
	if data == nil {
		data = make(map[string]Value)
	}
	return &Session{token: token, createdMillis: createdMillis, data: data}
}

// Token returns the session token.
func (s *Session) Token() string { return s.token }

// CreatedMillis returns the creation time in Unix milliseconds.
func (s *Session) CreatedMillis() int64 { return s.createdMillis }

// Get returns the value stored under key.
func (s *Session) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// GetString returns the string stored under key. Missing keys and
// non-string values both report false.
func (s *Session) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Put stores a value under key.
func (s *Session) Put(key string, v Value) {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
}

// Remove deletes key and returns the previous value, if any.
func (s *Session) Remove(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	delete(s.data, key)
	return v, ok
}

// Clear drops the whole payload. The session itself stays alive.
func (s *Session) Clear() {
	s.mu.Lock()
	s.data = make(map[string]Value)
	s.mu.Unlock()
}

// Len returns the number of payload entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot returns a copy of the payload.
func (s *Session) Snapshot() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

type sessionJSON struct {
	Token         string           `json:"token"`
	CreatedMillis int64            `json:"created_millis"`
	Data          map[string]Value `json:"data"`
}

// MarshalJSON encodes the session for durable backends.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		Token:         s.token,
		CreatedMillis: s.createdMillis,
		Data:          s.Snapshot(),
	})
}

// UnmarshalJSON decodes a session written by MarshalJSON.
func (s *Session) UnmarshalJSON(b []byte) error {
	var sj sessionJSON
	if err := json.Unmarshal(b, &sj); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = sj.Token
	s.createdMillis = sj.CreatedMillis
	s.data = sj.Data
	if s.data == nil {
		s.data = make(map[string]Value)
	}

	return nil
}
