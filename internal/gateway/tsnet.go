//go:build tsnet

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"tailscale.com/tsnet"
)

// StartTailscale serves the same mux on a tailnet listener. The auth key
// comes from CLAWLITE_TSNET_AUTH_KEY only; it is never read from config.
func (s *Server) StartTailscale(ctx context.Context) error {
	hostname := s.cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "clawlite"
	}
	ts := &tsnet.Server{
		Hostname:  hostname,
		Dir:       s.cfg.Tailscale.StateDir,
		AuthKey:   os.Getenv("CLAWLITE_TSNET_AUTH_KEY"),
		Ephemeral: s.cfg.Tailscale.Ephemeral,
	}
	ln, err := ts.Listen("tcp", ":80")
	if err != nil {
		return fmt.Errorf("tsnet listen: %w", err)
	}

	srv := &http.Server{
		Handler:           cors(s.BuildMux()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		_ = ts.Close()
	}()

	slog.Info("gateway listening on tailnet", "hostname", hostname)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("tsnet serve: %w", err)
	}
	return nil
}
