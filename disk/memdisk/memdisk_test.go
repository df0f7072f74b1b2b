package memdisk

import (
	"testing"
	"time"

	"github.com/ublkraid/ublkraid/disk"
)

func TestNew(t *testing.T) {
	size := int64(1024)
	d := New("test", size)

	g := d.Probe()
	if g.Capacity != size {
		t.Errorf("Capacity = %d, want %d", g.Capacity, size)
	}
	if len(d.data) != int(size) {
		t.Errorf("data length = %d, want %d", len(d.data), size)
	}
}

func TestSyncReadWrite(t *testing.T) {
	d := New("test", 1024)
	defer d.Close()

	testData := []byte("Hello, raid!")
	n, err := d.SyncIOV(disk.OpWrite, [][]byte{testData}, 0)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != int64(len(testData)) {
		t.Errorf("wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = d.SyncIOV(disk.OpRead, [][]byte{readBuf}, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != int64(len(testData)) {
		t.Errorf("read %d bytes, want %d", n, len(testData))
	}
	if string(readBuf) != string(testData) {
		t.Errorf("got %q, want %q", readBuf, testData)
	}
}

func TestBoundaryConditions(t *testing.T) {
	d := New("test", 100)
	defer d.Close()

	buf := make([]byte, 50)
	n, err := d.SyncIOV(disk.OpRead, [][]byte{buf}, 80)
	if err != nil {
		t.Errorf("read at boundary failed: %v", err)
	}
	if n != 20 {
		t.Errorf("read at boundary got %d bytes, want 20", n)
	}

	if _, err := d.SyncIOV(disk.OpWrite, [][]byte{[]byte("test")}, 98); err != nil {
		t.Errorf("write near end failed: %v", err)
	}

	if _, err := d.SyncIOV(disk.OpWrite, [][]byte{[]byte("test")}, 101); err == nil {
		t.Error("write beyond end should fail")
	}
}

func TestDiscardZeroesRegion(t *testing.T) {
	d := New("test", 100)
	defer d.Close()

	testData := []byte("Hello, World!")
	if _, err := d.SyncIOV(disk.OpWrite, [][]byte{testData}, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := d.HandleDiscard(0, disk.IOData{Tag: 1}, 0, 5, 0); err != nil {
		t.Fatalf("HandleDiscard failed: %v", err)
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
		t.Fatalf("discard completion error: %v", completions[0].Err)
	}

	readBuf := make([]byte, len(testData))
	if _, err := d.SyncIOV(disk.OpRead, [][]byte{readBuf}, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if readBuf[i] != 0 {
			t.Errorf("byte %d not zeroed after discard: %d", i, readBuf[i])
		}
	}
	if string(readBuf[5:]) != string(testData[5:]) {
		t.Errorf("non-discarded data changed: got %q, want %q", readBuf[5:], testData[5:])
	}
}

func TestAsyncRoundTrip(t *testing.T) {
	d := New("test", 4096)
	defer d.Close()

	payload := []byte("async-write")
	io := disk.IOData{Tag: 7}
	n, err := d.AsyncIOV(0, io, 0, disk.OpWrite, [][]byte{payload}, 0)
	if err != nil {
		t.Fatalf("AsyncIOV write failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("AsyncIOV returned %d, want 1", n)
	}

	var completions []disk.CompletionResult
	deadline := time.Now().Add(time.Second)
	for len(completions) == 0 && time.Now().Before(deadline) {
		d.CollectAsync(0, &completions)
	}
	if len(completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(completions))
	}
	if completions[0].IOData.Tag != io.Tag {
		t.Errorf("completion tag = %d, want %d", completions[0].IOData.Tag, io.Tag)
	}
	if completions[0].N != int64(len(payload)) {
		t.Errorf("completion N = %d, want %d", completions[0].N, len(payload))
	}
}

func TestProbeReportsDiscardCapable(t *testing.T) {
	d := New("test", 4096)
	defer d.Close()
	if !d.Probe().CanDiscard {
		t.Error("expected CanDiscard true")
	}
	if !d.CanDiscard() {
		t.Error("expected CanDiscard() true")
	}
}
