// Package trust gates who may talk to the agent and what tools the agent may
// use: pairing codes for unknown senders, per-channel allowlists, tool
// policies and an audit trail.
package trust

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const codeLength = 6

// PendingRequest is an unapproved sender waiting on a pairing code.
type PendingRequest struct {
	Code      string    `json:"code"`
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type pairingState struct {
	Pending map[string]PendingRequest `json:"pending"` // keyed by code
}

// Pairing issues and resolves pairing codes. State lives in pairing.json so
// approvals survive restarts; approved senders are mirrored into the channel
// allowlist by the caller.
type Pairing struct {
	path string
	ttl  time.Duration

	mu    sync.Mutex
	state pairingState

	now func() time.Time
}

// NewPairing loads pairing state from path.
func NewPairing(path string, ttl time.Duration) (*Pairing, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	p := &Pairing{path: path, ttl: ttl, now: time.Now}
	p.state.Pending = make(map[string]PendingRequest)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read pairing state: %w", err)
	}
	if err := json.Unmarshal(data, &p.state); err != nil {
		return nil, fmt.Errorf("parse pairing state: %w", err)
	}
	if p.state.Pending == nil {
		p.state.Pending = make(map[string]PendingRequest)
	}
	return p, nil
}

// Request returns the pairing code for a sender, reusing an unexpired pending
// request for the same channel+sender instead of minting a fresh code.
func (p *Pairing) Request(channel, senderID string) (PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()

	for _, req := range p.state.Pending {
		if req.Channel == channel && strings.EqualFold(req.SenderID, senderID) {
			return req, nil
		}
	}

	code, err := p.newCodeLocked()
	if err != nil {
		return PendingRequest{}, err
	}
	req := PendingRequest{Code: code, Channel: channel, SenderID: senderID, CreatedAt: p.now()}
	p.state.Pending[code] = req
	if err := p.saveLocked(); err != nil {
		return PendingRequest{}, err
	}
	return req, nil
}

// Approve resolves a code and returns the request so the caller can extend
// the channel allowlist. Codes are matched case-insensitively.
func (p *Pairing) Approve(code string) (PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()

	req, ok := p.state.Pending[normalizeCode(code)]
	if !ok {
		return PendingRequest{}, fmt.Errorf("pairing code %q not found or expired", code)
	}
	delete(p.state.Pending, req.Code)
	if err := p.saveLocked(); err != nil {
		return PendingRequest{}, err
	}
	return req, nil
}

// Reject discards a pending code.
func (p *Pairing) Reject(code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()

	norm := normalizeCode(code)
	if _, ok := p.state.Pending[norm]; !ok {
		return fmt.Errorf("pairing code %q not found or expired", code)
	}
	delete(p.state.Pending, norm)
	return p.saveLocked()
}

// Pending lists unexpired requests, oldest first.
func (p *Pairing) Pending() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()

	reqs := make([]PendingRequest, 0, len(p.state.Pending))
	for _, req := range p.state.Pending {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}

func (p *Pairing) expireLocked() {
	cutoff := p.now().Add(-p.ttl)
	changed := false
	for code, req := range p.state.Pending {
		if req.CreatedAt.Before(cutoff) {
			delete(p.state.Pending, code)
			changed = true
		}
	}
	if changed {
		// Expiry during reads is opportunistic; a failed save retries on the
		// next mutation.
		_ = p.saveLocked()
	}
}

func (p *Pairing) newCodeLocked() (string, error) {
	for i := 0; i < 32; i++ {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pairing code entropy: %w", err)
		}
		code := make([]byte, codeLength)
		for j, b := range buf {
			code[j] = codeAlphabet[int(b)%len(codeAlphabet)]
		}
		if _, taken := p.state.Pending[string(code)]; !taken {
			return string(code), nil
		}
	}
	return "", fmt.Errorf("pairing code space exhausted")
}

func (p *Pairing) saveLocked() error {
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".pairing-*.json")
	if err != nil {
		return fmt.Errorf("write pairing state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write pairing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write pairing state: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace pairing state: %w", err)
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
