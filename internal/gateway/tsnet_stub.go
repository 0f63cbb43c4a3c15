//go:build !tsnet

package gateway

import (
	"context"
	"log/slog"
)

// StartTailscale is a no-op in builds without the tsnet tag.
func (s *Server) StartTailscale(context.Context) error {
	slog.Info("tailnet listener not compiled in; rebuild with -tags tsnet")
	return nil
}
