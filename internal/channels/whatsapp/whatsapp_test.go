package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/config"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Factory("", config.AccountConfig{}, config.ChannelConfig{
		Token:         "test-token",
		PhoneNumberID: "1122334455",
		VerifyToken:   "verify-me",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a.(*Adapter)
}

const cloudPayload = `{
  "entry": [{
    "changes": [{
      "value": {
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.1", "type": "text", "text": {"body": "oi"}},
          {"from": "5511999990000", "id": "wamid.2", "type": "image"}
        ]
      }
    }]
  }]
}`

func TestProcessWebhookPayload(t *testing.T) {
	a := testAdapter(t)

	var got []bus.InboundMessage
	if err := a.Start(context.Background(), func(msg bus.InboundMessage) (string, error) {
		got = append(got, msg)
		return "", nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.ProcessWebhookPayload(context.Background(), []byte(cloudPayload)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1 (non-text skipped)", len(got))
	}
	msg := got[0]
	if msg.SessionID != "wa_5511999990000" {
		t.Errorf("session = %q", msg.SessionID)
	}
	if msg.Content != "oi" || msg.SenderID != "5511999990000" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Metadata["user_name"] != "Ana" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestProcessWebhookPayloadRejectsGarbage(t *testing.T) {
	a := testAdapter(t)
	if err := a.ProcessWebhookPayload(context.Background(), []byte("not json")); err == nil {
		t.Error("garbage payload accepted")
	}
}

func TestSendPostsToGraphAPI(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.graphBase = srv.URL

	res := a.Send(context.Background(), "5511888880000", "hello")
	if !res.OK {
		t.Fatalf("send failed: %+v", res.Error)
	}
	if gotPath != "/1122334455/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["to"] != "5511888880000" || gotBody["messaging_product"] != "whatsapp" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendSurfacesGraphErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.graphBase = srv.URL

	res := a.Send(context.Background(), "551", "hello")
	if res.OK || res.Error == nil {
		t.Fatalf("error not surfaced: %+v", res)
	}
	if a.VerifyToken() != "verify-me" {
		t.Errorf("verify token = %q", a.VerifyToken())
	}
}
