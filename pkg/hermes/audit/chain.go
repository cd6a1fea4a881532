package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// sealedEvent is the hashed view of an Event: every field except Hash.
// encoding/json writes map keys sorted, so Metadata hashes stably.
type sealedEvent struct {
	ID       string         `json:"id"`
	At       string         `json:"timestamp"`
	Action   Action         `json:"action"`
	Result   Result         `json:"result"`
	Resource Resource       `json:"resource"`
	Actor    string         `json:"actor,omitempty"`
	Nanos    int64          `json:"latency,omitempty"`
	Err      string         `json:"error_message,omitempty"`
	Meta     map[string]any `json:"metadata,omitempty"`
	Prev     string         `json:"previous_hash,omitempty"`
}

func sealedView(ev *Event) sealedEvent {
	return sealedEvent{
		ID:       ev.ID,
		At:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:   ev.Action,
		Result:   ev.Result,
		Resource: ev.Resource,
		Actor:    ev.Actor,
		Nanos:    int64(ev.Latency),
		Err:      ev.ErrorMessage,
		Meta:     ev.Metadata,
		Prev:     ev.PreviousHash,
	}
}

// ChainError locates the first journal entry that fails verification.
type ChainError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal entry %d (%s): %s", e.Index+1, e.EventID, e.Reason)
}

// ChainManager links journal events with an HMAC-SHA256 over each event and its predecessor's hash.
type ChainManager struct {
	key []byte
}

func NewChainManager(key []byte) *ChainManager {
	return &ChainManager{key: key}
}

// ComputeHash returns the hex MAC of ev, including its PreviousHash.
func (c *ChainManager) ComputeHash(ev *Event) (string, error) {
	body, err := json.Marshal(sealedView(ev))
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s for hashing: %w", ev.ID, err)
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Seal links ev to prev and stamps its hash.
func (c *ChainManager) Seal(ev *Event, prev string) error {
	ev.PreviousHash = prev
	sum, err := c.ComputeHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = sum
	return nil
}

// VerifyChain walks events in order and returns a *ChainError for the first
// entry whose MAC or back link does not hold. The first entry must not link
// to anything, so a journal with its head cut off is rejected too.
func (c *ChainManager) VerifyChain(events []Event) error {
	prev := ""
	for i := range events {
		ev := &events[i]
		if ev.PreviousHash != prev {
			reason := "link does not match the preceding entry"
			if i == 0 {
				reason = "first entry links to a missing predecessor"
			}
			return &ChainError{Index: i, EventID: ev.ID, Reason: reason}
		}
		want, err := c.ComputeHash(ev)
		if err != nil {
			return err
		}
		if !hmac.Equal([]byte(want), []byte(ev.Hash)) {
			return &ChainError{Index: i, EventID: ev.ID, Reason: "hash mismatch"}
		}
		prev = ev.Hash
	}
	return nil
}
