package signalcli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/config"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Factory("", config.AccountConfig{}, config.ChannelConfig{
		Account: "+5511999990000",
		CLIPath: "/usr/bin/signal-cli",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a.(*Adapter)
}

func TestHandleLineDirectMessage(t *testing.T) {
	a := testAdapter(t)
	got := make(chan bus.InboundMessage, 1)
	a.SetHandler(func(msg bus.InboundMessage) (string, error) {
		got <- msg
		return "", nil
	})

	a.handleLine(`{"envelope":{"source":"+5511888880000","sourceName":"Bruno","dataMessage":{"message":"oi"}}}`)

	select {
	case msg := <-got:
		if msg.SessionID != "signal_dm_5511888880000" || msg.Content != "oi" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.PeerKind != "direct" {
			t.Errorf("peer kind = %q", msg.PeerKind)
		}
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestHandleLineGroupMessage(t *testing.T) {
	a := testAdapter(t)
	got := make(chan bus.InboundMessage, 1)
	a.SetHandler(func(msg bus.InboundMessage) (string, error) {
		got <- msg
		return "", nil
	})

	a.handleLine(`{"envelope":{"source":"+551","dataMessage":{"message":"ping","groupInfo":{"groupId":"grp42"}}}}`)

	select {
	case msg := <-got:
		if msg.SessionID != "signal_group_grp42" || msg.ChatID != "grp42" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestHandleLineSkipsReceipts(t *testing.T) {
	a := testAdapter(t)
	a.SetHandler(func(bus.InboundMessage) (string, error) {
		t.Fatal("receipt dispatched as message")
		return "", nil
	})
	a.handleLine(`{"envelope":{"source":"+551","receiptMessage":{"isDelivery":true}}}`)
	a.handleLine(`not json`)
}

func TestSendBuildsArgv(t *testing.T) {
	a := testAdapter(t)
	var gotArgv []string
	a.runCmd = func(_ context.Context, argv ...string) (string, error) {
		gotArgv = argv
		return "", nil
	}

	if res := a.Send(context.Background(), "+5511777770000", "hello"); !res.OK {
		t.Fatalf("send failed: %+v", res.Error)
	}
	want := "/usr/bin/signal-cli -a +5511999990000 send -m hello +5511777770000"
	if strings.Join(gotArgv, " ") != want {
		t.Errorf("argv = %v", gotArgv)
	}

	a.Send(context.Background(), "grp42", "hi group")
	if !strings.HasSuffix(strings.Join(gotArgv, " "), "send -m hi group -g grp42") {
		t.Errorf("group argv = %v", gotArgv)
	}
}
