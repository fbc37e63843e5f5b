package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"barnsync/internal/models"
	"barnsync/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type stubEnqueuer struct {
	mu   sync.Mutex
	errs []error
	reqs []models.CreateRecordRequest
}

func (s *stubEnqueuer) EnqueueRecord(ctx context.Context, req models.CreateRecordRequest) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	s.reqs = append(s.reqs, req)
	return &models.QueueItem{
		ID:     fmt.Sprintf("item-%d", len(s.reqs)),
		Kind:   req.Kind,
		Status: models.StatusPending,
	}, nil
}

func (s *stubEnqueuer) enqueued() []models.CreateRecordRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CreateRecordRequest(nil), s.reqs...)
}

func startWatcher(t *testing.T, dir string, enq Enqueuer, rescan time.Duration) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := NewWatcher(dir, enq, rescan).Run(ctx); err != nil {
			t.Errorf("watcher stopped with error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func spoolFile(t *testing.T, dir string, name string, req models.CreateRecordRequest) {
	t.Helper()

	data, err := json.Marshal(req)
	require.NoError(t, err)

	// Write-then-rename, the way capture devices are expected to drop files.
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatcherEnqueuesSpooledFiles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	enq := &stubEnqueuer{}

	// One file is already waiting when the watcher starts.
	spoolFile(t, dir, "before.json", models.CreateRecordRequest{
		Kind: models.KindFormEntry,
		Data: json.RawMessage(`{"litres": 4}`),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := NewWatcher(dir, enq, time.Hour).Run(ctx); err != nil {
			t.Errorf("watcher stopped with error: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, processedDir, "before.json"))
	}, 2*time.Second, 10*time.Millisecond)

	spoolFile(t, dir, "after.json", models.CreateRecordRequest{
		Kind:       models.KindVoiceNote,
		Data:       json.RawMessage(`{"litres": 9}`),
		Transcript: "nine litres",
	})

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, processedDir, "after.json"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	reqs := enq.enqueued()
	require.Len(t, reqs, 2)
	require.Equal(t, models.KindFormEntry, reqs[0].Kind)
	require.Equal(t, models.KindVoiceNote, reqs[1].Kind)
	require.False(t, fileExists(filepath.Join(dir, "before.json")))
	require.False(t, fileExists(filepath.Join(dir, "after.json")))
}

func TestWatcherRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	enq := &stubEnqueuer{}

	path := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json at all"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	startWatcher(t, dir, enq, time.Hour)

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, rejectedDir, "garbage.json"))
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, enq.enqueued())
}

func TestWatcherRejectsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	enq := &stubEnqueuer{errs: []error{fmt.Errorf("%w: unknown kind", service.ErrInvalidRequest)}}

	spoolFile(t, dir, "weird.json", models.CreateRecordRequest{
		Kind: "selfie",
		Data: json.RawMessage(`{}`),
	})

	startWatcher(t, dir, enq, time.Hour)

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, rejectedDir, "weird.json"))
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, enq.enqueued())
}

func TestWatcherRetriesAfterQueueTrouble(t *testing.T) {
	dir := t.TempDir()
	enq := &stubEnqueuer{errs: []error{fmt.Errorf("disk wedged")}}

	spoolFile(t, dir, "retry.json", models.CreateRecordRequest{
		Kind: models.KindFormEntry,
		Data: json.RawMessage(`{"litres": 1}`),
	})

	startWatcher(t, dir, enq, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, processedDir, "retry.json"))
	}, 3*time.Second, 10*time.Millisecond)
	require.Len(t, enq.enqueued(), 1)
}

func TestWatcherLeavesYoungUnparseableFilesAlone(t *testing.T) {
	dir := t.TempDir()
	enq := &stubEnqueuer{}

	// Looks like a device mid-write: fresh mtime, not yet valid JSON.
	path := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind": "form_ent`), 0o644))

	startWatcher(t, dir, enq, time.Hour)

	time.Sleep(200 * time.Millisecond)
	require.True(t, fileExists(path))
	require.False(t, fileExists(filepath.Join(dir, rejectedDir, "partial.json")))
}
