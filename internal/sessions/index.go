package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Peer records where a session's messages come from, enough to route a
// proactive send back to the same chat.
type Peer struct {
	Channel  string    `json:"channel"`
	ChatID   string    `json:"chat_id"`
	ThreadID string    `json:"thread_id,omitempty"`
	PeerKind string    `json:"peer_kind,omitempty"` // dm, group, channel
	LastSeen time.Time `json:"last_seen"`
}

// Index maps session ids to their delivery peers. Persisted as one JSON file
// so it survives restarts; writes are atomic.
type Index struct {
	path string

	mu      sync.Mutex
	entries map[string]Peer
}

// NewIndex loads (or initializes) the index at path.
func NewIndex(path string) (*Index, error) {
	idx := &Index{path: path, entries: make(map[string]Peer)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &idx.entries); err != nil {
		// Corrupt index is rebuilt from live traffic rather than failing startup.
		idx.entries = make(map[string]Peer)
	}
	return idx, nil
}

// Touch records (or refreshes) the peer for a session and persists the index.
func (i *Index) Touch(sessionID string, peer Peer) error {
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}
	i.mu.Lock()
	i.entries[sessionID] = peer
	err := i.saveLocked()
	i.mu.Unlock()
	return err
}

// Lookup returns the peer for a session id.
func (i *Index) Lookup(sessionID string) (Peer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.entries[sessionID]
	return p, ok
}

// ByChannel returns all known peers on a channel, most recently seen first.
func (i *Index) ByChannel(channel string) []Peer {
	i.mu.Lock()
	defer i.mu.Unlock()
	var peers []Peer
	for _, p := range i.entries {
		if channel == "" || p.Channel == channel {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(a, b int) bool { return peers[a].LastSeen.After(peers[b].LastSeen) })
	return peers
}

// MostRecent returns the last active peer across all channels, used when a
// proactive message targets "last".
func (i *Index) MostRecent() (Peer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var best Peer
	found := false
	for _, p := range i.entries {
		if !found || p.LastSeen.After(best.LastSeen) {
			best = p
			found = true
		}
	}
	return best, found
}

// Forget drops a session from the index.
func (i *Index) Forget(sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[sessionID]; !ok {
		return nil
	}
	delete(i.entries, sessionID)
	return i.saveLocked()
}

func (i *Index) saveLocked() error {
	data, err := json.MarshalIndent(i.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(i.path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session index: %w", err)
	}
	if err := os.Rename(tmpName, i.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session index: %w", err)
	}
	return nil
}
