package cell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is application data authored into a cell's source chain.
type Entry struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Author    AgentPubKey     `json:"author"`
	Timestamp time.Time       `json:"timestamp"`
}

// CanonicalBytes is the byte form that is hashed and signed. Content is
// compacted so whitespace differences do not change the address.
func (e Entry) CanonicalBytes() ([]byte, error) {
	var content bytes.Buffer
	if len(e.Content) == 0 {
		content.WriteString("null")
	} else if err := json.Compact(&content, e.Content); err != nil {
		return nil, fmt.Errorf("entry content: %w", err)
	}
	return json.Marshal(struct {
		Type      string          `json:"type"`
		Content   json.RawMessage `json:"content"`
		Author    AgentPubKey     `json:"author"`
		Timestamp string          `json:"timestamp"`
	}{
		Type:      e.Type,
		Content:   content.Bytes(),
		Author:    e.Author,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// SignedEntry is an entry with its content address and the author's
// signature over that address.
type SignedEntry struct {
	Entry
	Address   EntryHash `json:"address"`
	Signature []byte    `json:"signature"`
}

// ChainRecord is a signed entry as linked into the chain by the store.
type ChainRecord struct {
	SignedEntry
	Seq       uint64    `json:"seq"`
	Prev      EntryHash `json:"prev,omitempty"`
	CommitSeq uint64    `json:"commit_seq"`
}
