package serialmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendCommandAppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewMux(port)

	if err := mux.SendCommand("M2231 V1"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "M2231 V1\n" {
		t.Errorf("written data = %q, want %q", got, "M2231 V1\n")
	}

	// A command that already ends in a newline is not doubled.
	port.Reset()
	if err := mux.SendCommand("G0 X100 Y0 Z80 F6000\n"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "G0 X100 Y0 Z80 F6000\n" {
		t.Errorf("written data = %q, want single trailing newline", got)
	}
}

func TestSendCommandWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("device unplugged")
	mux := NewMux(port)

	if err := mux.SendCommand("P2220"); err == nil {
		t.Fatal("expected write error, got nil")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewMux(port)

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == id2 {
		t.Fatalf("subscriber IDs collide: %q", id1)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Unsubscribing an unknown ID is a no-op.
	mux.Unsubscribe("does-not-exist")
}

func TestMonitorDeliversLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	_, ch := mux.Subscribe()
	port.AddReadData([]byte("$1 ok\n$2 ok\n"))

	for _, want := range []string{"$1 ok", "$2 ok"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit after cancel")
	}
}

func TestMonitorReturnsOnClose(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewMux(port)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	time.Sleep(10 * time.Millisecond)
	mux.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit after Close")
	}
}

func TestRequestMatchesResponse(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	port.Responder = func(command string) string {
		// Firmware-style acks: chatter first, then the real reply.
		return "@5 busy\n$3 ok\n"
	}
	mux := NewMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()

	line, err := mux.Request(reqCtx, "#3 G0 X100 Y0 Z80 F6000", func(l string) bool {
		return strings.HasPrefix(l, "$3 ")
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if line != "$3 ok" {
		t.Errorf("Request returned %q, want %q", line, "$3 ok")
	}
}

func TestRequestTimesOut(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	reqCtx, reqCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer reqCancel()

	_, err := mux.Request(reqCtx, "#1 P2220", func(string) bool { return true })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Request error = %v, want deadline exceeded", err)
	}
}

func TestRequestWriteFailure(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("broken pipe")
	mux := NewMux(port)

	_, err := mux.Request(context.Background(), "#1 P2220", func(string) bool { return true })
	if err == nil {
		t.Fatal("expected error from failed write")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewMux(port)

	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch1; ok {
		t.Error("ch1 not closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("ch2 not closed")
	}
	if !port.Closed {
		t.Error("underlying port not closed")
	}
}

func TestWaitQuiet(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	// Chatter keeps resetting the quiet window until it stops.
	go func() {
		for i := 0; i < 3; i++ {
			port.AddReadData([]byte("@6 N0 V1\n"))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	if err := mux.WaitQuiet(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("WaitQuiet failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("WaitQuiet returned after %v, want at least the quiet window", elapsed)
	}
}

func TestWaitQuietContextCancel(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewMux(port)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := mux.WaitQuiet(ctx, 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitQuiet error = %v, want deadline exceeded", err)
	}
}

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.BaudRate != 115200 || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %+v, want 115200 8N1", opts)
	}

	if _, err := (PortOptions{DataBits: 9}).Normalize(); err == nil {
		t.Error("expected error for invalid data bits")
	}
	if _, err := (PortOptions{StopBits: 3}).Normalize(); err == nil {
		t.Error("expected error for invalid stop bits")
	}
	if _, err := (PortOptions{Parity: "X"}).Normalize(); err == nil {
		t.Error("expected error for invalid parity")
	}
}

func TestPortOptionsEqual(t *testing.T) {
	a := PortOptions{BaudRate: 115200, Parity: "none"}
	b := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if !a.Equal(b) {
		t.Errorf("options %+v and %+v should normalize equal", a, b)
	}
	c := PortOptions{BaudRate: 9600}
	if a.Equal(c) {
		t.Error("different baud rates should not compare equal")
	}
}
