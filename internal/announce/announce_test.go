package announce

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioleds/internal/control"
	"audioleds/internal/state"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTopic(t *testing.T) {
	assert.Equal(t, "audioleds/audioleds-a1b2c3/room", Topic("audioleds", "audioleds-a1b2c3", "room"))
	assert.Equal(t, "home/lights/dev/mode", Topic("/home/lights/", "dev", "mode"))
}

func TestMACSuffix(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback, HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0}},
		{Name: "tun0"},
		{Name: "wlan0", HardwareAddr: net.HardwareAddr{0xb8, 0x27, 0xeb, 0xa1, 0xb2, 0xc3}},
	}
	s, ok := macSuffix(ifaces)
	require.True(t, ok)
	assert.Equal(t, "a1b2c3", s)

	_, ok = macSuffix(ifaces[:2])
	assert.False(t, ok)
}

func TestHostnameShape(t *testing.T) {
	h := Hostname("lamp")
	require.True(t, strings.HasPrefix(h, "lamp-"), h)
	assert.Len(t, strings.TrimPrefix(h, "lamp-"), 6)
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{}, state.New(nil), discard)
	assert.Error(t, err)
}

func TestPublishOnlyWakesForRoomAndMode(t *testing.T) {
	a, err := New(Config{Broker: "tcp://127.0.0.1:1", Hostname: "dev"}, state.New(nil), discard)
	require.NoError(t, err)
	assert.Equal(t, "dev", a.Hostname())

	a.Publish(control.Change{Resource: control.ResourceColor})
	a.Publish(control.Change{Resource: control.ResourceThresholds})
	assert.Len(t, a.kick, 0)

	a.Publish(control.Change{Resource: control.ResourceRoom})
	a.Publish(control.Change{Resource: control.ResourceMode})
	assert.Len(t, a.kick, 1)
}

func TestRunStopsWithoutBroker(t *testing.T) {
	a, err := New(Config{Broker: "tcp://127.0.0.1:1", Hostname: "dev"}, state.New(nil), discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Publish(control.Change{Resource: control.ResourceRoom})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("announcer did not stop")
	}
}
