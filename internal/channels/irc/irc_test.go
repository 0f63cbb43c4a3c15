package irc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/config"
)

func TestParsePrivmsg(t *testing.T) {
	tests := []struct {
		line                 string
		sender, target, text string
		ok                   bool
	}{
		{":alice!u@host PRIVMSG #ops :deploy now", "alice", "#ops", "deploy now", true},
		{":alice!u@host PRIVMSG clawlite :hi there", "alice", "clawlite", "hi there", true},
		{":server.example NOTICE * :*** Looking up your hostname", "", "", "", false},
		{"PING :token", "", "", "", false},
		{":alice!u@host PRIVMSG #ops", "", "", "", false},
	}
	for _, tt := range tests {
		sender, target, text, ok := parsePrivmsg(tt.line)
		if ok != tt.ok || sender != tt.sender || target != tt.target || text != tt.text {
			t.Errorf("parsePrivmsg(%q) = (%q,%q,%q,%v)", tt.line, sender, target, text, ok)
		}
	}
}

// TestRoundTripOverPipe drives the adapter against an in-memory server.
// net.Pipe writes are synchronous, so the server side reads on its own
// goroutine for the whole test.
func TestRoundTripOverPipe(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	lines := make(chan string, 16)
	go func() {
		reader := bufio.NewReader(serverSide)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()
	expect := func(want string) {
		t.Helper()
		select {
		case got, ok := <-lines:
			if !ok {
				t.Fatal("server pipe closed")
			}
			if got != want {
				t.Fatalf("line = %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	a, err := Factory("", config.AccountConfig{}, config.ChannelConfig{
		Server:       "irc.example:6667",
		Nick:         "clawlite",
		ChannelsJoin: []string{"#ops"},
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter := a.(*Adapter)
	adapter.dial = func(context.Context, string) (net.Conn, error) { return clientSide, nil }

	if err := adapter.Start(context.Background(), func(msg bus.InboundMessage) (string, error) {
		if msg.SessionID != "irc_group_ops" || msg.SenderID != "alice" {
			t.Errorf("msg = %+v", msg)
		}
		return "ack " + msg.Content, nil
	}); err != nil {
		t.Fatal(err)
	}
	defer adapter.Stop(context.Background())

	expect("NICK clawlite")
	expect("USER clawlite 0 * :ClawLite")
	expect("JOIN #ops")

	// Keepalive.
	serverSide.Write([]byte("PING :abc\r\n"))
	expect("PONG :abc")

	// Group message flows through the handler and back as PRIVMSG.
	serverSide.Write([]byte(":alice!u@host PRIVMSG #ops :status?\r\n"))
	expect("PRIVMSG #ops :ack status?")
}
