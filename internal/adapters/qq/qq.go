// Package qq implements the channel.Adapter for QQ over the OneBot v11
// WebSocket protocol (NapCatQQ, go-cqhttp, and compatible implementations).
package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/onebot"
)

// Config holds the OneBot connection settings and the optional allow-lists.
// Empty allow-lists admit everyone.
type Config struct {
	WSURL             string
	AccessToken       string
	ReconnectInterval time.Duration
	CallTimeout       time.Duration
	AllowedUsers      []int64
	AllowedGroups     []int64
}

// rpcClient is the slice of the OneBot client the adapter uses.
type rpcClient interface {
	Start(ctx context.Context) error
	Stop()
	Connected() bool
	Call(ctx context.Context, action string, params any) (json.RawMessage, error)
	SetEventHandler(handler onebot.EventHandler)
	SetStateHandler(handler onebot.StateHandler)
}

// Adapter bridges OneBot message events to the channel contract.
type Adapter struct {
	logger        *slog.Logger
	client        rpcClient
	handler       channel.Handler
	allowedUsers  map[int64]struct{}
	allowedGroups map[int64]struct{}

	baseCtx context.Context
}

// NewAdapter creates a QQ OneBot adapter.
func NewAdapter(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("adapter", "qq"))
	client := onebot.NewClient(log, onebot.Options{
		URL:               cfg.WSURL,
		AccessToken:       cfg.AccessToken,
		CallTimeout:       cfg.CallTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
	})
	a := &Adapter{
		logger:        log,
		client:        client,
		allowedUsers:  toSet(cfg.AllowedUsers),
		allowedGroups: toSet(cfg.AllowedGroups),
		baseCtx:       context.Background(),
	}
	client.SetEventHandler(a.handleEvent)
	client.SetStateHandler(func(state onebot.State) {
		log.Info("connection state", slog.String("state", state.String()))
	})
	return a
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Platform returns the QQ platform identifier.
func (a *Adapter) Platform() channel.Platform {
	return channel.PlatformQQ
}

// Name returns a human-readable adapter name.
func (a *Adapter) Name() string {
	return "QQ OneBot"
}

// OnMessage registers the inbound handler. Must be called before Connect.
func (a *Adapter) OnMessage(handler channel.Handler) {
	a.handler = handler
}

// Connect establishes the OneBot WebSocket connection. Reconnection after a
// later loss is automatic.
func (a *Adapter) Connect(ctx context.Context) error {
	a.baseCtx = context.WithoutCancel(ctx)
	return a.client.Start(ctx)
}

// Disconnect closes the connection and stops reconnecting.
func (a *Adapter) Disconnect(context.Context) error {
	a.client.Stop()
	return nil
}

// Connected reports connection liveness.
func (a *Adapter) Connected() bool {
	return a.client.Connected()
}

// Send delivers a reply through the OneBot API.
func (a *Adapter) Send(ctx context.Context, targetID string, reply channel.Reply, isGroup bool) error {
	id, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid qq target %q: %w", targetID, err)
	}

	content := reply.Content
	if reply.ReplyTo != "" {
		content = fmt.Sprintf("[CQ:reply,id=%s] %s", reply.ReplyTo, content)
	}

	action := "send_private_msg"
	params := map[string]any{"message": content}
	if isGroup {
		action = "send_group_msg"
		params["group_id"] = id
		if reply.AtUser != "" {
			params["message"] = fmt.Sprintf("[CQ:at,qq=%s] %s", reply.AtUser, content)
		}
	} else {
		params["user_id"] = id
	}

	if _, err := a.client.Call(ctx, action, params); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (a *Adapter) handleEvent(evt onebot.Event) {
	if !evt.IsMessage() {
		return
	}
	if !a.authorized(evt) {
		a.logger.Debug("unauthorized sender ignored",
			slog.Int64("user_id", evt.UserID),
			slog.Int64("group_id", evt.GroupID),
		)
		return
	}
	content := evt.PlainText()
	if content == "" {
		return
	}

	msg := channel.Message{
		ID:         strconv.FormatInt(evt.MessageID, 10),
		Platform:   channel.PlatformQQ,
		Type:       channel.MessageType(evt.MessageType),
		UserID:     strconv.FormatInt(evt.UserID, 10),
		UserName:   evt.Sender.Nickname,
		Content:    content,
		ReceivedAt: time.Unix(evt.Time, 0),
	}
	if evt.MessageType == "group" {
		msg.GroupID = strconv.FormatInt(evt.GroupID, 10)
	}

	handler := a.handler
	if handler == nil {
		a.logger.Warn("inbound message dropped, no handler registered")
		return
	}
	// Dispatch off the read loop; a slow backend must not stall RPC
	// response handling on the same connection.
	go handler(a.baseCtx, msg)
}

// authorized applies the allow-lists. No configured list means allow all;
// otherwise the sender or the group must be listed.
func (a *Adapter) authorized(evt onebot.Event) bool {
	if len(a.allowedUsers) == 0 && len(a.allowedGroups) == 0 {
		return true
	}
	if _, ok := a.allowedUsers[evt.UserID]; ok {
		return true
	}
	if evt.MessageType == "group" {
		if _, ok := a.allowedGroups[evt.GroupID]; ok {
			return true
		}
	}
	return false
}
