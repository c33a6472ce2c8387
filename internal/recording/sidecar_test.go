package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campus-calls/internal/media"
)

var opusSilence = []byte{0xf8, 0xff, 0xfe}

type chanTap struct {
	ch   chan media.Frame
	once sync.Once
}

func newChanTap(n int) *chanTap {
	t := &chanTap{ch: make(chan media.Frame, n)}
	for i := 0; i < n; i++ {
		t.ch <- media.Frame{Data: opusSilence, Samples: 960}
	}
	return t
}

func (t *chanTap) ReadFrame() (media.Frame, error) {
	f, ok := <-t.ch
	if !ok {
		return media.Frame{}, io.EOF
	}
	return f, nil
}

func (t *chanTap) Close() error {
	t.once.Do(func() { close(t.ch) })
	return nil
}

func waitFrames(t *testing.T, s *Sidecar, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Frames() < n {
		if time.Now().After(deadline) {
			t.Fatalf("frames = %d, want %d", s.Frames(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFinishUploadsOggArtifact(t *testing.T) {
	store := NewMemoryStore()
	at := time.UnixMilli(1700000000123)
	s := New("c1", store, WithClock(func() time.Time { return at }))

	if err := s.Start(newChanTap(50)); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, s, 50)

	url, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if url != "mem://call_c1_1700000000123.ogg" {
		t.Fatalf("url = %q", url)
	}
	blob, ok := store.Get("call_c1_1700000000123.ogg")
	if !ok {
		t.Fatal("blob not stored")
	}
	if blob.ContentType != ContentType {
		t.Fatalf("content type = %q", blob.ContentType)
	}
	if !bytes.HasPrefix(blob.Data, []byte("OggS")) || !bytes.Contains(blob.Data, []byte("OpusHead")) {
		t.Fatal("artifact is not an Ogg/Opus stream")
	}
}

func TestFinishWithNothingRecorded(t *testing.T) {
	s := New("c1", NewMemoryStore())
	if _, err := s.Finish(context.Background()); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("err = %v, want ErrEmptyRecording", err)
	}
}

func TestUploadFailureIsReturned(t *testing.T) {
	store := NewMemoryStore()
	store.SetErr(errors.New("bucket unavailable"))
	s := New("c1", store)
	if err := s.Start(newChanTap(3)); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, s, 3)
	if _, err := s.Finish(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	if len(store.Keys()) != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestStartTwiceAndStopTwice(t *testing.T) {
	s := New("c1", NewMemoryStore())
	if err := s.Start(newChanTap(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(newChanTap(1)); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestSidecarOnSharedCapture(t *testing.T) {
	src, err := media.StaticCapturer{Interval: 5 * time.Millisecond}.Audio(context.Background(), media.DefaultAudioConstraints())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	tap, err := src.Tap()
	if err != nil {
		t.Fatal(err)
	}
	s := New("c2", NewMemoryStore())
	if err := s.Start(tap); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, s, 5)

	// stopping the recorder leaves the capture itself running
	s.Stop()
	other, err := src.Tap()
	if err != nil {
		t.Fatalf("source stopped with the recorder: %v", err)
	}
	other.Close()

	data, err := s.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatal("not an ogg stream")
	}
}

func TestFSStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFSStore(dir, "http://localhost:8080/recordings/")
	if err != nil {
		t.Fatal(err)
	}
	url, err := fs.Put(context.Background(), "call_x_1.ogg", ContentType, bytes.NewReader([]byte("OggS")))
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://localhost:8080/recordings/call_x_1.ogg" {
		t.Fatalf("url = %q", url)
	}
	got, err := os.ReadFile(filepath.Join(dir, "call_x_1.ogg"))
	if err != nil || string(got) != "OggS" {
		t.Fatalf("file = %q, %v", got, err)
	}

	for _, bad := range []string{"", "../escape.ogg", "/abs.ogg", "a/../../b"} {
		if _, err := fs.Put(context.Background(), bad, ContentType, bytes.NewReader(nil)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: err = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestFSStoreHonorsContext(t *testing.T) {
	fs, err := NewFSStore(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fs.Put(ctx, "a.ogg", ContentType, bytes.NewReader([]byte("data"))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
