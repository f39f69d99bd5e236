package lsp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript writes an executable shell script into a temp dir and returns
// its path. Scripts stand in for a language server over stdio.
func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-server.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0o755))
	return path
}

func newTestClient(t *testing.T, script string, timeout time.Duration) *Client {
	t.Helper()
	c := New(Config{
		Command:        script,
		WorkspaceDir:   t.TempDir(),
		LanguageID:     "go",
		RequestTimeout: timeout,
	})
	t.Cleanup(c.Close)
	return c
}

// waitForEvent reads events until one matches the predicate or the deadline
// expires.
func waitForEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestClientSendBeforeStart(t *testing.T) {
	c := New(Config{Command: "true"})

	_, err := c.Send(MethodHover, nil)
	require.ErrorIs(t, err, ErrNotRunning)
	require.Equal(t, StatusPending, c.Status())
}

func TestClientResolvesResponse(t *testing.T) {
	// Gate on the first byte of our request so the canned response cannot
	// arrive before the call is registered as pending.
	script := writeScript(t, `
head -c 1 >/dev/null
body='{"jsonrpc":"2.0","id":1,"result":{"contents":"func Foo()"}}'
printf 'Content-Length: %s\r\n\r\n%s' "${#body}" "$body"
sleep 5
`)
	c := newTestClient(t, script, 5*time.Second)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StatusRunning, c.Status())

	id, err := c.Hover("main.go", 3, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, MethodHover, ev.Method)
	assert.False(t, ev.IsFailure())
	assert.Contains(t, string(ev.Result), "func Foo()")
}

func TestClientServerError(t *testing.T) {
	script := writeScript(t, `
head -c 1 >/dev/null
body='{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}'
printf 'Content-Length: %s\r\n\r\n%s' "${#body}" "$body"
sleep 5
`)
	c := newTestClient(t, script, 5*time.Second)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Completion("main.go", 0, 0)
	require.NoError(t, err)

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	require.Equal(t, id, ev.ID)
	require.True(t, ev.IsFailure())
	assert.Equal(t, FailServer, ev.Failure.Kind)
	assert.Equal(t, -32601, ev.Failure.Code)
	assert.Contains(t, ev.Failure.Message, "method not found")
}

func TestClientRequestTimeout(t *testing.T) {
	c := newTestClient(t, writeScript(t, "sleep 30"), 200*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Definition("main.go", 1, 1)
	require.NoError(t, err)

	start := time.Now()
	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	require.Equal(t, id, ev.ID)
	require.True(t, ev.IsFailure())
	assert.Equal(t, FailTimeout, ev.Failure.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The slot is freed: a late response with the same id is discarded
	// without disturbing anything, and new requests get fresh ids.
	id2, err := c.Hover("main.go", 1, 1)
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestClientStderrBecomesTypedEvent(t *testing.T) {
	script := writeScript(t, `
printf '\033[31mindex error: package not found\033[0m\n' >&2
sleep 5
`)
	c := newTestClient(t, script, 5*time.Second)
	require.NoError(t, c.Start(context.Background()))

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventStderr })
	// Escape sequences are stripped before the line leaves the client.
	assert.Equal(t, "index error: package not found", ev.Line)
}

func TestClientCrashFailsPendingCalls(t *testing.T) {
	script := writeScript(t, `
head -c 1 >/dev/null
exit 3
`)
	c := newTestClient(t, script, 10*time.Second)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Hover("main.go", 1, 1)
	require.NoError(t, err)

	resp := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	require.Equal(t, id, resp.ID)
	require.True(t, resp.IsFailure())
	assert.Equal(t, FailProcessExited, resp.Failure.Kind)

	exited := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventExited })
	assert.Error(t, exited.ExitErr)
	assert.Equal(t, StatusCrashed, c.Status())

	// Crashed sessions reject new work until an explicit restart.
	_, err = c.Hover("main.go", 1, 1)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestClientCrashReleasesIOGoroutines(t *testing.T) {
	c := newTestClient(t, writeScript(t, "exit 1"), time.Second)
	require.NoError(t, c.Start(context.Background()))

	waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventExited })
	require.Equal(t, StatusCrashed, c.Status())

	// The crash tears the session context down, so the writer goroutine
	// exits along with the readers instead of lingering until shutdown.
	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("io goroutines still running after crash")
	}
}

func TestClientExplicitRestart(t *testing.T) {
	c := newTestClient(t, writeScript(t, "exit 1"), time.Second)
	require.NoError(t, c.Start(context.Background()))

	waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventExited })
	require.Equal(t, StatusCrashed, c.Status())

	require.NoError(t, c.Restart())
	waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventExited })
}

func TestClientRestartRequiresTerminalStatus(t *testing.T) {
	c := newTestClient(t, writeScript(t, "sleep 5"), time.Second)
	require.NoError(t, c.Start(context.Background()))

	err := c.Restart()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed or stopped")
}

func TestClientCloseFailsPending(t *testing.T) {
	c := newTestClient(t, writeScript(t, "sleep 30"), time.Minute)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Hover("main.go", 1, 1)
	require.NoError(t, err)

	c.Close()
	require.Equal(t, StatusStopped, c.Status())

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	require.Equal(t, id, ev.ID)
	require.True(t, ev.IsFailure())
	assert.Equal(t, FailClosed, ev.Failure.Kind)
}

func TestClientStaleResponseDiscarded(t *testing.T) {
	// A response bearing an unknown id is dropped; the real pending call
	// still resolves afterwards.
	script := writeScript(t, `
head -c 1 >/dev/null
stale='{"jsonrpc":"2.0","id":99,"result":null}'
printf 'Content-Length: %s\r\n\r\n%s' "${#stale}" "$stale"
body='{"jsonrpc":"2.0","id":1,"result":[]}'
printf 'Content-Length: %s\r\n\r\n%s' "${#body}" "$body"
sleep 5
`)
	c := newTestClient(t, script, 5*time.Second)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Completion("main.go", 2, 2)
	require.NoError(t, err)

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventResponse })
	assert.Equal(t, id, ev.ID)
	assert.False(t, ev.IsFailure())
}

func TestClientNotificationEvent(t *testing.T) {
	script := writeScript(t, `
body='{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///w/main.go","diagnostics":[]}}'
printf 'Content-Length: %s\r\n\r\n%s' "${#body}" "$body"
sleep 5
`)
	c := newTestClient(t, script, 5*time.Second)
	require.NoError(t, c.Start(context.Background()))

	ev := waitForEvent(t, c, func(ev Event) bool { return ev.Type == EventNotification })
	assert.Equal(t, MethodPublishDiagnostics, ev.NotifyMethod)
	assert.True(t, ev.IsDiagnostics())
}

func TestClientDocumentVersions(t *testing.T) {
	c := newTestClient(t, writeScript(t, "cat >/dev/null"), time.Second)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.DidOpen("main.go", "package main"))
	v, ok := c.DocumentVersion("main.go")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, c.DidChange("main.go", "package main\n"))
	require.NoError(t, c.DidChange("main.go", "package main\n\nfunc main() {}\n"))
	v, _ = c.DocumentVersion("main.go")
	assert.Equal(t, 3, v)

	require.NoError(t, c.DidClose("main.go"))
	_, ok = c.DocumentVersion("main.go")
	assert.False(t, ok)
}

func TestFileURI(t *testing.T) {
	uri := FileURI("/workspace/src/main.go")
	assert.Equal(t, "file:///workspace/src/main.go", uri)
}
