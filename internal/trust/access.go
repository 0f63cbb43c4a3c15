package trust

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

// Decision is the outcome of a sender check.
type Decision struct {
	Allowed     bool
	PairingCode string // set when a pairing code was issued for this sender
	Reply       string // message to send back to a denied sender, may be empty
}

// SenderAllowed reports whether the allowlist admits a sender. An empty list
// admits everyone; "*" is an explicit wildcard; comparisons are
// case-insensitive.
func SenderAllowed(allowFrom []string, senderID string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, entry := range allowFrom {
		entry = strings.TrimSpace(entry)
		if entry == "*" || strings.EqualFold(entry, senderID) {
			return true
		}
	}
	return false
}

// CheckSender applies the allowlist and, when pairing is enabled, starts the
// pairing handshake for unknown senders.
func CheckSender(cfg *config.Config, pairing *Pairing, channel, senderID string) (Decision, error) {
	allowFrom := cfg.Channels[channel].AllowFrom
	if SenderAllowed(allowFrom, senderID) {
		// With pairing on, an empty allowlist means nobody was approved yet.
		if len(allowFrom) > 0 || !cfg.Security.Pairing.Enabled {
			return Decision{Allowed: true}, nil
		}
	} else if !cfg.Security.Pairing.Enabled {
		return Decision{Allowed: false}, nil
	}

	if pairing == nil {
		return Decision{Allowed: false}, nil
	}
	req, err := pairing.Request(channel, senderID)
	if err != nil {
		return Decision{Allowed: false}, err
	}
	return Decision{
		Allowed:     false,
		PairingCode: req.Code,
		Reply: fmt.Sprintf(
			"Pairing required. Ask the owner to approve code %s (clawlite pairing approve %s).",
			req.Code, req.Code),
	}, nil
}

// ApproveSender resolves a pairing code and mirrors the sender into the
// channel allowlist, persisting the config.
func ApproveSender(cfg *config.Config, configPath string, pairing *Pairing, code string) (PendingRequest, error) {
	req, err := pairing.Approve(code)
	if err != nil {
		return PendingRequest{}, err
	}

	if cfg.Channels == nil {
		cfg.Channels = make(map[string]config.ChannelConfig)
	}
	ch := cfg.Channels[req.Channel]
	if !SenderAllowed(ch.AllowFrom, req.SenderID) || len(ch.AllowFrom) == 0 {
		ch.AllowFrom = append(ch.AllowFrom, req.SenderID)
		cfg.Channels[req.Channel] = ch
		if err := config.Save(configPath, cfg); err != nil {
			return PendingRequest{}, fmt.Errorf("persist allowlist: %w", err)
		}
	}
	return req, nil
}
