// Package qqofficial implements the channel adapter for the QQ open platform
// REST API. It authenticates with an app access token and delivers replies
// through the channel and direct-message endpoints.
//
// Inbound delivery on the open platform comes through an event subscription
// the platform pushes to a registered callback; this adapter keeps the
// handler registration so that path can be mounted later, and today serves
// as the outbound half when official-API mode is selected.
package qqofficial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/logger"
)

const defaultAPIBase = "https://api.sgroup.qq.com"

// Config configures the open-platform adapter.
type Config struct {
	AppID     string
	AppSecret string
	// APIBase and TokenURL override the platform endpoints, for tests.
	APIBase  string
	TokenURL string
}

type Adapter struct {
	apiBase string
	tokens  *tokenSource
	client  *http.Client
	logger  *slog.Logger

	stateMu   sync.Mutex
	connected bool
	handler   channel.Handler
}

var _ channel.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := &http.Client{Timeout: 15 * time.Second}
	return &Adapter{
		apiBase: apiBase,
		tokens:  newTokenSource(cfg.AppID, cfg.AppSecret, cfg.TokenURL, client),
		client:  client,
		logger:  logger.L.With(slog.String("component", "adapter.qqofficial")),
	}
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformQQ }
func (a *Adapter) Name() string               { return "QQ Official API" }

func (a *Adapter) OnMessage(handler channel.Handler) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.handler = handler
}

// Connect validates the credentials by fetching an initial token.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.tokens.Token(ctx); err != nil {
		return fmt.Errorf("qq official connect: %w", err)
	}
	a.stateMu.Lock()
	a.connected = true
	a.stateMu.Unlock()
	a.logger.Info("qq official api ready")
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.stateMu.Lock()
	a.connected = false
	a.stateMu.Unlock()
	return nil
}

func (a *Adapter) Connected() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.connected
}

// Send posts the reply to the channel or direct-message endpoint.
func (a *Adapter) Send(ctx context.Context, targetID string, reply channel.Reply, isGroup bool) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var url string
	if isGroup {
		url = fmt.Sprintf("%s/channels/%s/messages", a.apiBase, targetID)
	} else {
		url = fmt.Sprintf("%s/dms/%s/messages", a.apiBase, targetID)
	}

	payload := map[string]any{"content": reply.Content}
	if reply.ReplyTo != "" {
		payload["msg_id"] = reply.ReplyTo
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("qq official send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(detail, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("qq official send: code %d: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("qq official send: status %d", resp.StatusCode)
	}
	a.logger.Debug("message sent",
		slog.String("target", targetID),
		slog.Bool("group", isGroup))
	return nil
}
