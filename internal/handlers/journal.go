package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Journal persists requests awaiting a response, one JSON file per request,
// so a restarted coordinator can see what was in flight.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// PendingRequest is one journal entry.
type PendingRequest struct {
	RequestID string         `json:"request_id"`
	Channel   string         `json:"channel"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewJournal creates the journal directory if needed.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", dir, err)
	}
	return &Journal{dir: dir}, nil
}

func (j *Journal) path(requestID string) string {
	return filepath.Join(j.dir, requestID+".json")
}

// Add records a request awaiting its response.
func (j *Journal) Add(requestID, channelName string, data map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := PendingRequest{
		RequestID: requestID,
		Channel:   channelName,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", requestID, err)
	}
	return os.WriteFile(j.path(requestID), b, 0o644)
}

// Resolve removes a settled request. Resolving an unknown id is a no-op:
// the response may arrive after a restart that never journalled it.
func (j *Journal) Resolve(requestID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := os.Remove(j.path(requestID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Pending lists the outstanding requests, oldest first.
func (j *Journal) Pending() ([]PendingRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var out []PendingRequest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(j.dir, e.Name()))
		if err != nil {
			continue
		}
		var p PendingRequest
		if err := json.Unmarshal(b, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}
