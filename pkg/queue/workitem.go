package queue

import (
	"encoding/json"
	"fmt"
)

// WorkItem is the unit moved between the lists of a queue. Data holds the
// JSON payload given to Enqueue.
type WorkItem struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Retries int             `json:"retries"`
	// Started is set in epoch millis while the item is leased
	Started int64 `json:"started,omitempty"`
	// Lease is a fencing token minted on every dequeue
	Lease string `json:"lease,omitempty"`

	// raw is the exact serialization sitting in the processing list. LREM
	// matches by value so releasing a lease must use these bytes.
	raw string
}

// Decode unmarshals the item payload into v
func (w *WorkItem) Decode(v any) error {
	if err := json.Unmarshal(w.Data, v); err != nil {
		return fmt.Errorf("could not decode work item data: id=%q error=%w", w.ID, err)
	}

	return nil
}

func (w *WorkItem) encode() (string, error) {
	out, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("could not encode work item: id=%q error=%w", w.ID, err)
	}

	return string(out), nil
}

// leased returns the serialization that identifies the item in the
// processing list
func (w *WorkItem) leased() (string, error) {
	if len(w.raw) > 0 {
		return w.raw, nil
	}

	return w.encode()
}

func decodeWorkItem(raw string) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("could not decode work item: error=%w", err)
	}

	item.raw = raw
	return &item, nil
}
