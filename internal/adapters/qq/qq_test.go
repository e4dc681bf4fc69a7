package qq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/onebot"
)

type fakeRPC struct {
	mu    sync.Mutex
	calls []struct {
		Action string
		Params map[string]any
	}
	callErr error
}

func (f *fakeRPC) Start(context.Context) error         { return nil }
func (f *fakeRPC) Stop()                               {}
func (f *fakeRPC) Connected() bool                     { return true }
func (f *fakeRPC) SetEventHandler(onebot.EventHandler) {}
func (f *fakeRPC) SetStateHandler(onebot.StateHandler) {}

func (f *fakeRPC) Call(_ context.Context, action string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asMap, _ := params.(map[string]any)
	f.calls = append(f.calls, struct {
		Action string
		Params map[string]any
	}{action, asMap})
	return json.RawMessage(`{}`), f.callErr
}

func newTestAdapter(cfg Config) (*Adapter, *fakeRPC) {
	adapter := NewAdapter(nil, cfg)
	rpc := &fakeRPC{}
	adapter.client = rpc
	return adapter, rpc
}

func messageEvent(raw string) onebot.Event {
	kind, _, evt := onebot.Classify([]byte(raw))
	if kind != onebot.FrameEvent {
		panic("test frame is not an event")
	}
	return evt
}

func TestSendPrivate(t *testing.T) {
	t.Parallel()

	adapter, rpc := newTestAdapter(Config{})
	err := adapter.Send(context.Background(), "10001", channel.Reply{Content: "hi"}, false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rpc.calls) != 1 || rpc.calls[0].Action != "send_private_msg" {
		t.Fatalf("calls = %+v, want one send_private_msg", rpc.calls)
	}
	if rpc.calls[0].Params["user_id"] != int64(10001) {
		t.Errorf("user_id = %v, want 10001", rpc.calls[0].Params["user_id"])
	}
	if rpc.calls[0].Params["message"] != "hi" {
		t.Errorf("message = %v, want hi", rpc.calls[0].Params["message"])
	}
}

func TestSendGroupWithReplyRef(t *testing.T) {
	t.Parallel()

	adapter, rpc := newTestAdapter(Config{})
	err := adapter.Send(context.Background(), "20002", channel.Reply{Content: "done", ReplyTo: "77"}, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rpc.calls[0].Action != "send_group_msg" {
		t.Fatalf("action = %q, want send_group_msg", rpc.calls[0].Action)
	}
	if rpc.calls[0].Params["group_id"] != int64(20002) {
		t.Errorf("group_id = %v, want 20002", rpc.calls[0].Params["group_id"])
	}
	if got := rpc.calls[0].Params["message"]; got != "[CQ:reply,id=77] done" {
		t.Errorf("message = %q, want reply-prefixed content", got)
	}
}

func TestSendGroupMentionsUser(t *testing.T) {
	t.Parallel()

	adapter, rpc := newTestAdapter(Config{})
	err := adapter.Send(context.Background(), "20002", channel.Reply{Content: "done", AtUser: "10001"}, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := rpc.calls[0].Params["message"]; got != "[CQ:at,qq=10001] done" {
		t.Errorf("message = %q, want at-prefixed content", got)
	}
}

func TestSendRejectsBadTarget(t *testing.T) {
	t.Parallel()

	adapter, rpc := newTestAdapter(Config{})
	if err := adapter.Send(context.Background(), "not-a-number", channel.Reply{Content: "x"}, false); err == nil {
		t.Fatal("Send accepted non-numeric target")
	}
	if len(rpc.calls) != 0 {
		t.Fatal("Send issued an API call for an invalid target")
	}
}

func TestHandleEventBuildsMessage(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(Config{})
	got := make(chan channel.Message, 1)
	adapter.OnMessage(func(_ context.Context, msg channel.Message) { got <- msg })

	adapter.handleEvent(messageEvent(`{
		"post_type":"message","message_type":"group","message_id":42,
		"user_id":10001,"group_id":20002,"time":1700000000,
		"sender":{"nickname":"alice"},
		"message":[{"type":"text","data":{"text":"hello"}}]
	}`))

	select {
	case msg := <-got:
		if msg.Platform != channel.PlatformQQ || msg.UserID != "10001" || msg.GroupID != "20002" {
			t.Fatalf("msg = %+v", msg)
		}
		if msg.Content != "hello" || msg.UserName != "alice" || msg.ID != "42" {
			t.Fatalf("msg = %+v", msg)
		}
		if !msg.IsGroup() {
			t.Fatal("group event produced non-group message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestHandleEventSkipsEmptyAndNonMessage(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(Config{})
	got := make(chan channel.Message, 1)
	adapter.OnMessage(func(_ context.Context, msg channel.Message) { got <- msg })

	adapter.handleEvent(messageEvent(`{"post_type":"meta_event","time":1700000000}`))
	adapter.handleEvent(messageEvent(`{"post_type":"message","message_type":"private","user_id":1,"message":[{"type":"image","data":{"file":"x.png"}}]}`))

	select {
	case msg := <-got:
		t.Fatalf("unexpected dispatch: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAuthorized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		event string
		want  bool
	}{
		{
			"no lists allow all",
			Config{},
			`{"post_type":"message","message_type":"private","user_id":999,"message":"x"}`,
			true,
		},
		{
			"listed user allowed",
			Config{AllowedUsers: []int64{10001}},
			`{"post_type":"message","message_type":"private","user_id":10001,"message":"x"}`,
			true,
		},
		{
			"unlisted user rejected",
			Config{AllowedUsers: []int64{10001}},
			`{"post_type":"message","message_type":"private","user_id":999,"message":"x"}`,
			false,
		},
		{
			"listed group allows unlisted user",
			Config{AllowedUsers: []int64{10001}, AllowedGroups: []int64{20002}},
			`{"post_type":"message","message_type":"group","user_id":999,"group_id":20002,"message":"x"}`,
			true,
		},
		{
			"group list does not apply to private",
			Config{AllowedGroups: []int64{20002}},
			`{"post_type":"message","message_type":"private","user_id":999,"message":"x"}`,
			false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			adapter, _ := newTestAdapter(tt.cfg)
			if got := adapter.authorized(messageEvent(tt.event)); got != tt.want {
				t.Fatalf("authorized = %v, want %v", got, tt.want)
			}
		})
	}
}
