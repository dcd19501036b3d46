package bpmn

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenState describes whether a token can make progress in the current
// pass or is parked on a wait state.
type TokenState string

const (
	// TokenStateRunning tokens are dispatched to their node's behavior.
	TokenStateRunning TokenState = "RUNNING"
	// TokenStateWaiting tokens block the instance: an unfired timer or
	// message, or an incomplete gateway join.
	TokenStateWaiting TokenState = "WAITING"
)

// Token is a cursor marking one concurrent strand of execution within a
// process instance. Tokens only exist inside the instance data blob
// while the instance is claimed; they never outlive an execution pass
// in memory.
type Token struct {
	Key    int64      `json:"k"`
	NodeId string     `json:"n"`
	State  TokenState `json:"s"`
	// ArrivedVia is the id of the sequence flow the token traveled to
	// reach its current node; gateway joins buffer on it.
	ArrivedVia string `json:"a,omitempty"`
	// Locals are token-scoped variables: loop counters, multi-instance
	// input elements, sub-process bookkeeping.
	Locals map[string]any `json:"l,omitempty"`
	// WaitUntil is set on timer waits; the token wakes when it passes.
	WaitUntil *time.Time `json:"w,omitempty"`
}

func (t Token) local(name string) (any, bool) {
	if t.Locals == nil {
		return nil, false
	}
	v, ok := t.Locals[name]
	return v, ok
}

func (t *Token) setLocal(name string, value any) {
	if t.Locals == nil {
		t.Locals = map[string]any{}
	}
	t.Locals[name] = value
}

func (t *Token) clearLocal(name string) {
	delete(t.Locals, name)
}

// instanceState is the serialized execution state stored in the
// instance's data blob: the active token set, the instance-scoped
// variable bindings and, for failed instances, the last error detail.
type instanceState struct {
	Tokens    []Token        `json:"t,omitempty"`
	Variables map[string]any `json:"v,omitempty"`
	Messages  []string       `json:"m,omitempty"`
	Failure   string         `json:"f,omitempty"`
}

func newInstanceState(variables map[string]any) *instanceState {
	if variables == nil {
		variables = map[string]any{}
	}
	return &instanceState{Variables: variables}
}

func unmarshalInstanceState(data []byte) (*instanceState, error) {
	state := instanceState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance state: %w", err)
	}
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	return &state, nil
}

func (s *instanceState) marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance state: %w", err)
	}
	return data, nil
}

// waitingAt returns the waiting tokens parked on the given node,
// excluding the token with key excludeKey.
func (s *instanceState) waitingAt(nodeId string, excludeKey int64) []Token {
	var parked []Token
	for _, t := range s.Tokens {
		if t.State == TokenStateWaiting && t.NodeId == nodeId && t.Key != excludeKey {
			parked = append(parked, t)
		}
	}
	return parked
}

// removeTokens drops the tokens with the given keys from the state.
func (s *instanceState) removeTokens(keys map[int64]bool) {
	if len(keys) == 0 {
		return
	}
	kept := s.Tokens[:0]
	for _, t := range s.Tokens {
		if !keys[t.Key] {
			kept = append(kept, t)
		}
	}
	s.Tokens = kept
}

// hasMessage reports whether the named message was published to the
// instance and not yet consumed.
func (s *instanceState) hasMessage(name string) bool {
	for _, m := range s.Messages {
		if m == name {
			return true
		}
	}
	return false
}

func (s *instanceState) consumeMessage(name string) {
	for i, m := range s.Messages {
		if m == name {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			return
		}
	}
}
