package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type collector struct {
	mu    sync.Mutex
	files []string
	calls chan string
}

func newCollector() *collector {
	return &collector{calls: make(chan string, 10)}
}

func (c *collector) handle(_ context.Context, path string) error {
	c.mu.Lock()
	c.files = append(c.files, path)
	c.mu.Unlock()
	c.calls <- path
	return nil
}

func waitCall(t *testing.T, c *collector) string {
	t.Helper()
	select {
	case p := <-c.calls:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
		return ""
	}
}

func TestInbox_ProcessesNewMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	inbox, err := NewInbox(dir, Options{Pattern: "*.apk", Settle: 50 * time.Millisecond}, c.handle, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, inbox.Start(ctx))
	defer inbox.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	target := filepath.Join(dir, "App.APK")
	require.NoError(t, os.WriteFile(target, []byte("PK-data"), 0644))

	assert.Equal(t, target, waitCall(t, c))

	select {
	case p := <-c.calls:
		t.Fatalf("unexpected second call for %s", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInbox_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.apk")
	require.NoError(t, os.WriteFile(existing, []byte("PK"), 0644))

	c := newCollector()
	inbox, err := NewInbox(dir, Options{Settle: 20 * time.Millisecond, ScanExisting: true}, c.handle, testLogger())
	require.NoError(t, err)
	require.NoError(t, inbox.Start(context.Background()))
	defer inbox.Stop()

	assert.Equal(t, existing, waitCall(t, c))
}

func TestInbox_SkipsEmptyFilesAndStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	inbox, err := NewInbox(dir, Options{Settle: 20 * time.Millisecond}, c.handle, testLogger())
	require.NoError(t, err)
	require.NoError(t, inbox.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.apk"), nil, 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, c.calls, 0)

	assert.NoError(t, inbox.Stop())
	assert.NoError(t, inbox.Stop())
}

func TestNewInbox_InvalidPattern(t *testing.T) {
	_, err := NewInbox(t.TempDir(), Options{Pattern: "[a-"}, nil, testLogger())
	assert.Error(t, err)
}
