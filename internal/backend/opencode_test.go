package backend

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func newTestClient(run runFunc) *OpencodeClient {
	c := NewOpencodeClient(OpencodeConfig{Command: "opencode", RunTimeout: time.Second})
	c.run = run
	return c
}

func TestSubmitPassesSessionRef(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	c := newTestClient(func(ctx context.Context, name string, args []string, dir string) (string, string, error) {
		gotArgs = args
		return "hello from backend\n", "", nil
	})

	reply, err := c.Submit(context.Background(), "qq::12345", "im-qq--12345", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "hello from backend" {
		t.Fatalf("content = %q", reply.Content)
	}
	if reply.SessionRef != "im-qq--12345" {
		t.Fatalf("session ref = %q", reply.SessionRef)
	}
	want := []string{"--no-interactive", "--session", "im-qq--12345", "hi"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v", gotArgs)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("args = %v, want %v", gotArgs, want)
		}
	}
}

func TestSubmitDerivesRefFromConversation(t *testing.T) {
	t.Parallel()

	c := newTestClient(func(ctx context.Context, name string, args []string, dir string) (string, string, error) {
		return "ok", "", nil
	})

	reply, err := c.Submit(context.Background(), "telegram::987", "", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.SessionRef != "im-telegram--987" {
		t.Fatalf("session ref = %q", reply.SessionRef)
	}
}

func TestSubmitNonZeroExitBecomesReply(t *testing.T) {
	t.Parallel()

	exitErr := exec.Command("false").Run()
	if _, ok := exitErr.(*exec.ExitError); !ok {
		t.Skipf("cannot produce ExitError: %v", exitErr)
	}

	c := newTestClient(func(ctx context.Context, name string, args []string, dir string) (string, string, error) {
		return "", "model not found\n", exitErr
	})

	reply, err := c.Submit(context.Background(), "qq::1", "ref", "hi")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got %v", err)
	}
	if !strings.Contains(reply.Content, "model not found") {
		t.Fatalf("reply should carry stderr, got %q", reply.Content)
	}
	if !strings.Contains(reply.Content, "code 1") {
		t.Fatalf("reply should name the exit code, got %q", reply.Content)
	}
}

func TestSubmitWallClockCap(t *testing.T) {
	t.Parallel()

	c := NewOpencodeClient(OpencodeConfig{RunTimeout: 20 * time.Millisecond})
	c.run = func(ctx context.Context, name string, args []string, dir string) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	}

	_, err := c.Submit(context.Background(), "qq::1", "ref", "hi")
	if err == nil {
		t.Fatal("expected wall-clock error")
	}
	if !strings.Contains(err.Error(), "exceeded") {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitSpawnFailureIsError(t *testing.T) {
	t.Parallel()

	c := NewOpencodeClient(OpencodeConfig{
		Command:    "/nonexistent/opencode-binary",
		RunTimeout: time.Second,
	})

	_, err := c.Submit(context.Background(), "qq::1", "ref", "hi")
	if err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestFormatOutput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\n", "hello"},
		{"color codes", "\x1b[32mgreen\x1b[0m text", "green text"},
		{"cursor moves", "\x1b[2K\x1b[1Gspinner done", "spinner done"},
		{"osc title", "\x1b]0;title\x07body", "body"},
		{"empty", "  \n ", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := formatOutput(tc.in); got != tc.want {
				t.Fatalf("formatOutput(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatOutputTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxReplyLength+500)
	got := formatOutput(long)
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Fatalf("missing truncation marker: %q", got[len(got)-30:])
	}
	if len(got) > maxReplyLength+len("\n... (truncated)") {
		t.Fatalf("len = %d", len(got))
	}
}
