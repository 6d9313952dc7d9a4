package meter

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestMeterCountsBothDirections(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var m Meter
	wrapped := m.Account(a)

	payload := []byte("twelve bytes")
	go func() {
		b.Write(payload)
		b.Close()
	}()

	got, err := io.ReadAll(wrapped)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}

	rx, tx := m.Snapshot()
	if rx != uint64(len(payload)) {
		t.Fatalf("rx = %d, want %d", rx, len(payload))
	}
	if tx != 0 {
		t.Fatalf("tx = %d, want 0", tx)
	}
}

func TestMeterAccumulatesAcrossConnections(t *testing.T) {
	var m Meter
	for i := 0; i < 3; i++ {
		a, b := net.Pipe()
		done := make(chan struct{})
		go func() {
			io.Copy(io.Discard, b)
			close(done)
		}()
		wrapped := m.Account(a)
		if _, err := wrapped.Write(make([]byte, 100)); err != nil {
			t.Fatalf("write: %v", err)
		}
		a.Close()
		<-done
		b.Close()
	}
	_, tx := m.Snapshot()
	if tx != 300 {
		t.Fatalf("tx = %d, want 300", tx)
	}
}
