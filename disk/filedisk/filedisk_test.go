package filedisk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ublkraid/ublkraid/disk"
)

func openTemp(t *testing.T, size int64) *Disk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Open(path, size)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCreatesFileOfSize(t *testing.T) {
	d := openTemp(t, 4096)
	info, err := os.Stat(d.path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != 4096 {
		t.Errorf("file size = %d, want 4096", info.Size())
	}
}

func TestSyncReadWrite(t *testing.T) {
	d := openTemp(t, 4096)

	payload := []byte("Hello, raid file!")
	n, err := d.SyncIOV(disk.OpWrite, [][]byte{payload}, 0)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("wrote %d bytes, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err = d.SyncIOV(disk.OpRead, [][]byte{buf}, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("read %d bytes, want %d", n, len(payload))
	}
	if string(buf) != string(payload) {
		t.Errorf("got %q, want %q", buf, payload)
	}
}

func TestWriteBeyondEndFails(t *testing.T) {
	d := openTemp(t, 100)
	if _, err := d.SyncIOV(disk.OpWrite, [][]byte{[]byte("x")}, 101); err == nil {
		t.Error("write beyond end should fail")
	}
}

func TestAsyncFlushCompletes(t *testing.T) {
	d := openTemp(t, 4096)

	io := disk.IOData{Tag: 3}
	if _, err := d.HandleFlush(0, io, 0); err != nil {
		t.Fatalf("HandleFlush submit failed: %v", err)
	}

	var completions []disk.CompletionResult
	deadline := time.Now().Add(time.Second)
	for len(completions) == 0 && time.Now().Before(deadline) {
		d.CollectAsync(0, &completions)
	}
	if len(completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(completions))
	}
	if completions[0].Err != nil {
		t.Fatalf("flush completion error: %v", completions[0].Err)
	}
}

func TestProbeReportsGeometry(t *testing.T) {
	d := openTemp(t, 8192)
	g := d.Probe()
	if g.Capacity != 8192 {
		t.Errorf("Capacity = %d, want 8192", g.Capacity)
	}
	if !g.CanDiscard {
		t.Error("expected CanDiscard true")
	}
}
