package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"audioleds/internal/control"
	"audioleds/internal/dirty"
	"audioleds/internal/mode"
	"audioleds/internal/output"
	"audioleds/internal/state"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestSurface(t *testing.T, m mode.Mode) (*control.Surface, *state.Device, *output.Recorder) {
	t.Helper()
	dev := state.New(dirty.New())
	dev.Restore(state.Snapshot{Mode: m, Room: state.RoomUnset, Thresholds: state.DefaultThresholds()})
	rec := &output.Recorder{}
	s := control.NewSurface(dev, rec, quietLogger)
	t.Cleanup(s.Close)
	return s, dev, rec
}

func startIPC(t *testing.T, surface *control.Surface) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "leds.sock")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runIPCServer(ctx, socket, surface, quietLogger) }()

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, "socket not created")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("runIPCServer: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("timeout waiting for IPC server to stop")
		}
		if _, err := os.Stat(socket); !os.IsNotExist(err) {
			t.Errorf("socket file not removed: %v", err)
		}
	})
	return socket
}

func TestIPC_ColorRoundTrip(t *testing.T) {
	surface, dev, rec := newTestSurface(t, mode.Manual)
	socket := startIPC(t, surface)

	resp, err := SendIPCRequest(socket, IPCRequest{Method: "PUT", Resource: "color", Payload: []byte{0xff, 0x80, 0x00}})
	if err != nil {
		t.Fatalf("PUT color: %v", err)
	}
	if resp.Status != "ok" || resp.Code != "2.04" {
		t.Fatalf("PUT response = %+v, want ok 2.04", resp)
	}
	if got := dev.Color(); got != (state.Color{R: 0xff, G: 0x80}) {
		t.Fatalf("device color = %v", got)
	}
	if last, ok := rec.Last(); !ok || last.R != 0xff || last.Intensity != 100 {
		t.Fatalf("output = %+v, %v", last, ok)
	}

	resp, err = SendIPCRequest(socket, IPCRequest{Method: "GET", Resource: "color"})
	if err != nil {
		t.Fatalf("GET color: %v", err)
	}
	if resp.Code != "2.05" || string(resp.Payload) != "\xff\x80\x00" {
		t.Fatalf("GET response = %+v", resp)
	}
}

func TestIPC_RejectedWriteIsNotATransportError(t *testing.T) {
	surface, dev, _ := newTestSurface(t, mode.Audio)
	socket := startIPC(t, surface)

	resp, err := SendIPCRequest(socket, IPCRequest{Method: "PUT", Resource: "color", Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("SendIPCRequest: %v", err)
	}
	if resp.Status != "error" || resp.Code != "4.03" || resp.Error == "" {
		t.Fatalf("response = %+v, want error 4.03", resp)
	}
	if !dev.Color().IsZero() {
		t.Fatalf("color changed to %v in audio mode", dev.Color())
	}
}

func TestIPC_MultipleRequestsOnOneConnection(t *testing.T) {
	surface, _, _ := newTestSurface(t, mode.Manual)
	socket := startIPC(t, surface)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// A malformed line gets a 4.00 and the connection stays usable.
	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(IPCRequest{Method: "PUT", Resource: "room", Payload: []byte("Den")}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Encode(IPCRequest{Method: "GET", Resource: "room"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	sc := bufio.NewScanner(conn)
	var got []IPCResponse
	for len(got) < 3 && sc.Scan() {
		var r IPCResponse
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("got %d responses, want 3 (scan err %v)", len(got), sc.Err())
	}
	if got[0].Code != "4.00" || got[0].Status != "error" {
		t.Fatalf("malformed line response = %+v", got[0])
	}
	if got[1].Code != "2.01" {
		t.Fatalf("first room PUT = %+v, want 2.01 Created", got[1])
	}
	if string(got[2].Payload) != "Den" {
		t.Fatalf("room GET payload = %q", got[2].Payload)
	}
}

func TestSendIPCRequest_NoDaemon(t *testing.T) {
	_, err := SendIPCRequest(filepath.Join(t.TempDir(), "none.sock"), IPCRequest{Method: "GET", Resource: "mode"})
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
