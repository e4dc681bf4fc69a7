package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/baidong0228/opencode-im-bridge/internal/logger"
)

const (
	defaultRunTimeout = 5 * time.Minute
	maxReplyLength    = 4000
)

// OpencodeConfig configures the opencode CLI processor.
type OpencodeConfig struct {
	Command    string
	WorkDir    string
	APIKey     string
	RunTimeout time.Duration
}

// runFunc executes one CLI invocation and returns its stdout and stderr.
type runFunc func(ctx context.Context, name string, args []string, dir string) (string, string, error)

// OpencodeClient runs the opencode CLI in non-interactive mode, one process
// per submission, keyed to a backend session for continuity.
type OpencodeClient struct {
	command    string
	workDir    string
	apiKey     string
	runTimeout time.Duration
	run        runFunc
	logger     *slog.Logger
}

var _ Processor = (*OpencodeClient)(nil)

func NewOpencodeClient(cfg OpencodeConfig) *OpencodeClient {
	c := &OpencodeClient{
		command:    cfg.Command,
		workDir:    cfg.WorkDir,
		apiKey:     cfg.APIKey,
		runTimeout: cfg.RunTimeout,
		logger:     logger.L.With(slog.String("component", "backend.opencode")),
	}
	if c.command == "" {
		c.command = "opencode"
	}
	if c.runTimeout <= 0 {
		c.runTimeout = defaultRunTimeout
	}
	c.run = c.execRun
	return c
}

// Submit runs one opencode invocation for the conversation. A non-zero exit
// becomes a reply describing the failure, not an error: the user asked a
// question and gets an answer either way. Only spawn failures and the
// wall-clock cap surface as errors.
func (c *OpencodeClient) Submit(ctx context.Context, conversationID, sessionRef, text string) (Reply, error) {
	ref := sessionRef
	if ref == "" {
		ref = sessionRefFor(conversationID)
	}

	args := []string{"--no-interactive", "--session", ref, text}

	runCtx, cancel := context.WithTimeout(ctx, c.runTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := c.run(runCtx, c.command, args, c.workDir)
	elapsed := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("opencode run exceeded wall-clock cap",
			slog.String("session_ref", ref),
			slog.Duration("cap", c.runTimeout))
		return Reply{}, fmt.Errorf("opencode run exceeded %s", c.runTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		c.logger.Warn("opencode exited non-zero",
			slog.String("session_ref", ref),
			slog.Int("exit_code", exitErr.ExitCode()))
		detail := formatOutput(stderr)
		if detail == "" {
			detail = formatOutput(stdout)
		}
		if detail == "" {
			detail = "未知错误"
		}
		return Reply{
			Content:    fmt.Sprintf("OpenCode 返回错误 (code %d):\n%s", exitErr.ExitCode(), detail),
			SessionRef: ref,
		}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("run opencode: %w", err)
	}

	content := formatOutput(stdout)
	if content == "" {
		content = "(empty response)"
	}
	c.logger.Debug("opencode run finished",
		slog.String("session_ref", ref),
		slog.Duration("elapsed", elapsed),
		slog.Int("reply_len", len(content)))
	return Reply{Content: content, SessionRef: ref}, nil
}

func (c *OpencodeClient) execRun(ctx context.Context, name string, args []string, dir string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if c.apiKey != "" {
		cmd.Env = append(cmd.Env, "OPENCODE_API_KEY="+c.apiKey)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// sessionRefFor derives a stable backend session id from the conversation
// key, so the same chat always resumes the same backend conversation.
func sessionRefFor(conversationID string) string {
	return "im-" + strings.ReplaceAll(conversationID, ":", "-")
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// formatOutput strips terminal escape sequences and trims the result to the
// largest reply the chat platforms accept.
func formatOutput(raw string) string {
	s := ansiRe.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)
	if len(s) > maxReplyLength {
		cut := maxReplyLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n... (truncated)"
	}
	return s
}
