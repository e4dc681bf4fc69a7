// Package bridge routes inbound chat messages to the backend processor:
// command interception, per-conversation admission, and reply delivery.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/backend"
	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/logger"
	"github.com/baidong0228/opencode-im-bridge/internal/session"
)

const (
	busyReply    = "⏳ 正在处理上一个请求，请稍候..."
	clearedReply = "✅ 会话已清除，下次对话将开启新会话。"
)

// Config carries the router's tunables.
type Config struct {
	CommandPrefix string
}

// Router is the dispatch core. It receives inbound messages from every
// adapter, intercepts built-in commands, admits at most one in-flight
// dispatch per conversation, and relays backend replies.
type Router struct {
	registry  *channel.Registry
	table     *session.Table
	processor backend.Processor
	prefix    string
	startedAt time.Time
	logger    *slog.Logger
}

func NewRouter(cfg Config, registry *channel.Registry, table *session.Table, processor backend.Processor) *Router {
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	return &Router{
		registry:  registry,
		table:     table,
		processor: processor,
		prefix:    prefix,
		startedAt: time.Now(),
		logger:    logger.L.With(slog.String("component", "bridge")),
	}
}

// Attach registers the router as the adapter's inbound handler.
// Must be called before the adapter connects.
func (r *Router) Attach(adapter channel.Adapter) {
	adapter.OnMessage(r.Handle)
}

// Handle processes one inbound message. It runs in the goroutine the adapter
// spawned for the message, so blocking on the backend here never stalls the
// adapter's receive path.
func (r *Router) Handle(ctx context.Context, msg channel.Message) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	key := session.KeyFor(msg)
	log := r.logger.With(slog.String("conversation", key.String()))

	if cmd, ok := r.matchCommand(content); ok {
		log.Info("command received", slog.String("command", cmd))
		r.reply(ctx, msg, r.runCommand(cmd, key))
		return
	}

	snapshot, ok := r.table.Acquire(key)
	if !ok {
		log.Info("dispatch rejected, conversation busy")
		r.reply(ctx, msg, busyReply)
		return
	}
	defer r.table.Release(key)

	log.Info("dispatching to backend",
		slog.String("session_ref", snapshot.BackendSessionRef),
		slog.Int("content_len", len(content)))

	result, err := r.processor.Submit(ctx, key.String(), snapshot.BackendSessionRef, content)
	if err != nil {
		log.Error("backend dispatch failed", slog.Any("error", err))
		r.reply(ctx, msg, "❌ 处理消息时出错: "+err.Error())
		return
	}

	r.table.SetBackendRef(key, result.SessionRef)
	r.reply(ctx, msg, result.Content)
}

// matchCommand recognizes built-in commands: the prefix followed by a known
// keyword or its Chinese alias. An unrecognized keyword is not a command;
// the message goes to the backend as-is, prefix included.
func (r *Router) matchCommand(content string) (string, bool) {
	if !strings.HasPrefix(content, r.prefix) {
		return "", false
	}
	word := strings.TrimPrefix(content, r.prefix)
	if fields := strings.Fields(word); len(fields) > 0 {
		word = fields[0]
	}
	switch strings.ToLower(word) {
	case "help", "帮助":
		return "help", true
	case "status", "状态":
		return "status", true
	case "clear", "清除", "reset", "重置":
		return "clear", true
	}
	return "", false
}

func (r *Router) runCommand(cmd string, key session.Key) string {
	switch cmd {
	case "help":
		return r.helpText()
	case "status":
		return r.statusText()
	case "clear":
		r.table.Reset(key)
		return clearedReply
	}
	return ""
}

func (r *Router) helpText() string {
	p := r.prefix
	return strings.Join([]string{
		"📖 可用命令:",
		p + "help, " + p + "帮助 - 显示此帮助",
		p + "status, " + p + "状态 - 查看服务状态",
		p + "clear, " + p + "清除 - 清除当前会话",
		"",
		"直接发送消息即可与 OpenCode 对话。",
	}, "\n")
}

func (r *Router) statusText() string {
	var b strings.Builder
	b.WriteString("📊 服务状态\n")
	for _, adapter := range r.registry.All() {
		mark := "❌ 未连接"
		if adapter.Connected() {
			mark = "✅ 已连接"
		}
		fmt.Fprintf(&b, "%s: %s\n", adapter.Name(), mark)
	}
	fmt.Fprintf(&b, "会话数: %d\n", r.table.Count())
	fmt.Fprintf(&b, "已运行: %s", time.Since(r.startedAt).Round(time.Second))
	return b.String()
}

// reply sends content back to the message's conversation. A missing adapter
// is logged and dropped; there is nowhere to deliver the failure to.
func (r *Router) reply(ctx context.Context, msg channel.Message, content string) {
	if content == "" {
		return
	}
	adapter, ok := r.registry.Get(msg.Platform)
	if !ok {
		r.logger.Error("no adapter for reply", slog.String("platform", string(msg.Platform)))
		return
	}
	rep := channel.Reply{Content: content}
	if msg.IsGroup() {
		rep.ReplyTo = msg.ID
		rep.AtUser = msg.UserID
	}
	if err := adapter.Send(ctx, msg.TargetID(), rep, msg.IsGroup()); err != nil {
		r.logger.Error("reply delivery failed",
			slog.String("platform", string(msg.Platform)),
			slog.String("target", msg.TargetID()),
			slog.Any("error", err))
	}
}
