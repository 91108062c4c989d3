package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioleds/internal/dirty"
	"audioleds/internal/metrics"
	"audioleds/internal/mode"
	"audioleds/internal/output"
	"audioleds/internal/persist"
	"audioleds/internal/state"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) Publish(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) resources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.changes {
		out = append(out, c.Resource)
	}
	return out
}

func newSurface(t *testing.T, m mode.Mode) (*Surface, *state.Device, *output.Recorder, *changeLog) {
	t.Helper()
	dev := state.New(dirty.New())
	dev.Restore(state.Snapshot{Color: state.Color{R: 1, G: 2, B: 3}, Mode: m, Room: state.RoomUnset, Thresholds: state.DefaultThresholds()})
	rec := &output.Recorder{}
	s := NewSurface(dev, rec, discard)
	s.BlackoutGrace = 5 * time.Millisecond
	log := &changeLog{}
	s.AddPublisher(log)
	t.Cleanup(s.Close)
	return s, dev, rec, log
}

func do(s *Surface, method, res string, payload []byte) Response {
	return s.Handle(context.Background(), Request{Method: method, Resource: res, Payload: payload})
}

func TestRoomRoundTrip(t *testing.T) {
	s, dev, _, log := newSurface(t, mode.Audio)

	resp := do(s, MethodPut, ResourceRoom, []byte("Kitchen"))
	assert.Equal(t, Created, resp.Code)

	resp = do(s, MethodGet, ResourceRoom, nil)
	assert.Equal(t, Content, resp.Code)
	assert.Equal(t, "Kitchen", string(resp.Payload))

	resp = do(s, MethodPut, ResourceRoom, []byte("Den"))
	assert.Equal(t, Changed, resp.Code)

	resp = do(s, MethodDelete, ResourceRoom, nil)
	assert.Equal(t, Deleted, resp.Code)
	assert.Equal(t, state.RoomUnset, string(do(s, MethodGet, ResourceRoom, nil).Payload))

	assert.True(t, dev.Signal().Drain().Has(dirty.Name))
	assert.Equal(t, []string{"room", "room", "room"}, log.resources())
}

func TestRoomValidation(t *testing.T) {
	s, dev, _, _ := newSurface(t, mode.Audio)

	resp := do(s, MethodPut, ResourceRoom, []byte{0xff, 0xfe})
	assert.Equal(t, BadRequest, resp.Code)
	assert.ErrorIs(t, resp.Err, state.ErrInvalidRoom)
	assert.Equal(t, dirty.Category(0), dev.Signal().Pending())

	long := "a-very-long-room-name-that-overflows"
	resp = do(s, MethodPut, ResourceRoom, []byte(long))
	require.Equal(t, Created, resp.Code)
	assert.Equal(t, long[:state.MaxRoomLen], dev.Room())

	resp = do(s, MethodPut, ResourceRoom, nil)
	assert.Equal(t, Changed, resp.Code)
	assert.Equal(t, state.RoomUnset, dev.Room())
}

func TestColorGating(t *testing.T) {
	for _, m := range mode.All() {
		t.Run(m.String(), func(t *testing.T) {
			s, dev, _, _ := newSurface(t, m)
			resp := do(s, MethodPut, ResourceColor, []byte{9, 8, 7})

			if m == mode.Manual || m == mode.AudioIntensity {
				assert.Equal(t, Changed, resp.Code)
				assert.Equal(t, state.Color{R: 9, G: 8, B: 7}, dev.Color())
				assert.Equal(t, dirty.Color, dev.Signal().Drain())
				return
			}
			assert.Equal(t, Forbidden, resp.Code)
			assert.ErrorIs(t, resp.Err, state.ErrNotPermitted)
			assert.Equal(t, state.Color{R: 1, G: 2, B: 3}, dev.Color())
			assert.Equal(t, dirty.Category(0), dev.Signal().Pending())
		})
	}
}

func TestColorDrivesOutputAtFullIntensity(t *testing.T) {
	for _, m := range []mode.Mode{mode.Manual, mode.AudioIntensity} {
		s, _, rec, _ := newSurface(t, m)
		require.Equal(t, Changed, do(s, MethodPut, ResourceColor, []byte{255, 0, 128}).Code, m.String())
		last, ok := rec.Last()
		require.True(t, ok, m.String())
		assert.Equal(t, output.Level{R: 255, B: 128, Intensity: 100}, last, m.String())
	}

	s, _, rec, _ := newSurface(t, mode.Audio)
	require.Equal(t, Forbidden, do(s, MethodPut, ResourceColor, []byte{255, 0, 128}).Code)
	assert.Empty(t, rec.Calls())
}

func TestColorPayloadSize(t *testing.T) {
	s, dev, _, log := newSurface(t, mode.Manual)
	for _, p := range [][]byte{nil, {1}, {1, 2}, {1, 2, 3, 4}} {
		resp := do(s, MethodPut, ResourceColor, p)
		assert.Equal(t, BadRequest, resp.Code)
		assert.ErrorIs(t, resp.Err, ErrBadPayload)
	}
	assert.Equal(t, state.Color{R: 1, G: 2, B: 3}, dev.Color())
	assert.Empty(t, log.resources())
}

func TestDeleteColor(t *testing.T) {
	s, dev, _, _ := newSurface(t, mode.Manual)
	assert.Equal(t, Deleted, do(s, MethodDelete, ResourceColor, nil).Code)
	assert.True(t, dev.Color().IsZero())

	s, dev, _, _ = newSurface(t, mode.Audio)
	assert.Equal(t, Forbidden, do(s, MethodDelete, ResourceColor, nil).Code)
	assert.False(t, dev.Color().IsZero())
}

func TestModeWrites(t *testing.T) {
	s, dev, _, log := newSurface(t, mode.Audio)

	assert.Equal(t, []byte{byte(mode.Audio)}, do(s, MethodGet, ResourceMode, nil).Payload)

	resp := do(s, MethodPut, ResourceMode, []byte{byte(mode.AudioFreq)})
	assert.Equal(t, Changed, resp.Code)
	assert.Equal(t, mode.AudioFreq, dev.Mode())

	resp = do(s, MethodPut, ResourceMode, []byte{6})
	assert.Equal(t, BadRequest, resp.Code)
	assert.ErrorIs(t, resp.Err, ErrUnknownMode)

	resp = do(s, MethodPut, ResourceMode, []byte{1, 2})
	assert.ErrorIs(t, resp.Err, ErrBadPayload)
	assert.Equal(t, mode.AudioFreq, dev.Mode())

	resp = do(s, MethodDelete, ResourceMode, nil)
	assert.Equal(t, Deleted, resp.Code)
	assert.Equal(t, mode.Manual, dev.Mode())
	assert.Equal(t, []string{"mode", "mode"}, log.resources())
}

func TestEnteringManualRedrivesStoredColor(t *testing.T) {
	s, _, rec, _ := newSurface(t, mode.Audio)
	require.Equal(t, Changed, do(s, MethodPut, ResourceMode, []byte{byte(mode.Manual)}).Code)
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, output.Level{R: 1, G: 2, B: 3, Intensity: 100}, last)
}

func TestOffSchedulesBlackout(t *testing.T) {
	s, dev, rec, log := newSurface(t, mode.Manual)
	require.Equal(t, Changed, do(s, MethodPut, ResourceMode, []byte{byte(mode.Off)}).Code)

	require.Eventually(t, func() bool { return dev.Color().IsZero() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		last, ok := rec.Last()
		return ok && last == output.Level{}
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"mode", "color"}, log.resources())
}

func TestBlackoutSkippedWhenModeChangesInTime(t *testing.T) {
	s, dev, _, _ := newSurface(t, mode.Manual)
	s.BlackoutGrace = 50 * time.Millisecond

	require.Equal(t, Changed, do(s, MethodPut, ResourceMode, []byte{byte(mode.Off)}).Code)
	require.Equal(t, Changed, do(s, MethodPut, ResourceMode, []byte{byte(mode.Manual)}).Code)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, state.Color{R: 1, G: 2, B: 3}, dev.Color())
}

func TestThresholds(t *testing.T) {
	s, dev, _, _ := newSurface(t, mode.Audio)

	resp := do(s, MethodGet, ResourceThresholds, nil)
	require.Equal(t, Content, resp.Code)
	assert.Equal(t, persist.EncodeThresholdsWire(state.DefaultThresholds()), resp.Payload)

	want := state.Thresholds{AmpMin: 1, AmpMax: 2, BlueStart: 3, BlueEnd: 4, GreenEnd: 5, RedEnd: 6}
	assert.Equal(t, Changed, do(s, MethodPut, ResourceThresholds, persist.EncodeThresholdsWire(want)).Code)
	assert.Equal(t, want, dev.Thresholds())

	want.AmpMin = 100
	assert.Equal(t, Changed, do(s, MethodPut, ResourceThresholds, persist.EncodeThresholds(want)).Code)
	assert.Equal(t, want, dev.Thresholds())

	resp = do(s, MethodPut, ResourceThresholds, make([]byte, 13))
	assert.ErrorIs(t, resp.Err, ErrBadPayload)
	assert.Equal(t, want, dev.Thresholds())

	assert.Equal(t, Deleted, do(s, MethodDelete, ResourceThresholds, nil).Code)
	assert.Equal(t, state.DefaultThresholds(), dev.Thresholds())
}

func TestUnknownResourceAndMethod(t *testing.T) {
	s, _, _, _ := newSurface(t, mode.Audio)
	assert.Equal(t, NotFound, do(s, MethodGet, "brightness", nil).Code)
	assert.Equal(t, MethodNotAllowed, do(s, "POST", ResourceColor, nil).Code)
	// Method and resource names are case-insensitive.
	assert.Equal(t, Content, do(s, "get", "ROOM", nil).Code)
}

func TestUnknownMethodsShareOneMetricSeries(t *testing.T) {
	s, _, _, _ := newSurface(t, mode.Manual)
	m := metrics.New()
	s.SetMetrics(m)

	for i := 0; i < 50; i++ {
		resp := do(s, fmt.Sprintf("X%d", i), ResourceColor, nil)
		require.Equal(t, MethodNotAllowed, resp.Code)
	}
	do(s, "get", ResourceColor, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	var series []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "audioleds_remote_requests_total{") {
			series = append(series, line)
		}
	}
	require.Len(t, series, 2, series)
	joined := strings.Join(series, "\n")
	assert.Contains(t, joined, `method="other"`)
	assert.Contains(t, joined, `method="GET"`)
}

func TestCanceledContext(t *testing.T) {
	s, _, _, _ := newSurface(t, mode.Audio)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := s.Handle(ctx, Request{Method: MethodGet, Resource: ResourceRoom})
	assert.Equal(t, ServiceUnavailable, resp.Code)
}

func TestChangeCarriesState(t *testing.T) {
	s, _, _, log := newSurface(t, mode.Manual)
	s.now = func() time.Time { return time.Unix(100, 0) }
	require.Equal(t, Changed, do(s, MethodPut, ResourceColor, []byte{4, 5, 6}).Code)

	require.Len(t, log.changes, 1)
	c := log.changes[0]
	assert.Equal(t, []byte{4, 5, 6}, c.Payload)
	assert.Equal(t, state.Color{R: 4, G: 5, B: 6}, c.State.Color)
	assert.Equal(t, time.Unix(100, 0), c.At)
}

func TestCodes(t *testing.T) {
	assert.Equal(t, "2.05 Content", Content.String())
	assert.Equal(t, "4.03", Forbidden.Dotted())
	assert.True(t, Created.Success())
	assert.False(t, NotFound.Success())

	c, err := ParseCode("4.05")
	require.NoError(t, err)
	assert.Equal(t, MethodNotAllowed, c)
	_, err = ParseCode("nope")
	assert.Error(t, err)
}
