// Package control implements the remote-control resources of the device:
// room, color, mode and thresholds, each with GET, PUT and DELETE.
//
// The surface is transport independent. The daemon feeds it requests from the
// IPC socket and the HTTP server and fans its Change events out to observers.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"audioleds/internal/metrics"
	"audioleds/internal/mode"
	"audioleds/internal/output"
	"audioleds/internal/persist"
	"audioleds/internal/state"
)

const (
	MethodGet    = "GET"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

const (
	ResourceRoom       = "room"
	ResourceColor      = "color"
	ResourceMode       = "mode"
	ResourceThresholds = "thresholds"
)

// Resources lists every resource name in a stable order.
func Resources() []string {
	return []string{ResourceRoom, ResourceColor, ResourceMode, ResourceThresholds}
}

// DefaultBlackoutGrace is the delay between switching to off and forcing the
// color to zero.
const DefaultBlackoutGrace = 20 * time.Millisecond

var (
	ErrBadPayload    = errors.New("bad payload")
	ErrUnknownMode   = errors.New("unknown mode")
	errUnknownRes    = errors.New("unknown resource")
	errUnknownMethod = errors.New("method not allowed")
	errUnavailable   = errors.New("service unavailable")
)

type Request struct {
	Method   string
	Resource string
	Payload  []byte
}

type Response struct {
	Code    Code
	Payload []byte
	// Err is the rejection reason for non-2.xx codes.
	Err error
}

// Change describes one applied mutation. Payload is the resource's GET
// encoding after the change; State is the full device state at that moment.
type Change struct {
	Resource string
	Payload  []byte
	State    state.Snapshot
	At       time.Time
}

// Publisher receives every Change. Implementations must not block.
type Publisher interface {
	Publish(Change)
}

// Surface is safe for concurrent use.
type Surface struct {
	dev     *state.Device
	out     output.Output
	metrics *metrics.Metrics
	logger  *slog.Logger

	pubMu sync.RWMutex
	pubs  []Publisher

	// BlackoutGrace is the delay before the forced blackout after entering off.
	BlackoutGrace time.Duration

	timerMu  sync.Mutex
	blackout *time.Timer

	now func() time.Time
}

func NewSurface(dev *state.Device, out output.Output, logger *slog.Logger) *Surface {
	return &Surface{
		dev:           dev,
		out:           out,
		logger:        logger.With("component", "control"),
		BlackoutGrace: DefaultBlackoutGrace,
		now:           time.Now,
	}
}

func (s *Surface) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// AddPublisher registers an observer of applied changes.
func (s *Surface) AddPublisher(p Publisher) {
	s.pubMu.Lock()
	s.pubs = append(s.pubs, p)
	s.pubMu.Unlock()
}

// Handle executes one request. Rejected requests mutate nothing.
func (s *Surface) Handle(ctx context.Context, req Request) Response {
	res := strings.ToLower(strings.TrimSpace(req.Resource))
	method := strings.ToUpper(strings.TrimSpace(req.Method))

	var resp Response
	if ctx.Err() != nil {
		resp = Response{Code: ServiceUnavailable, Err: errUnavailable}
	} else {
		resp = s.dispatch(res, method, req.Payload)
	}

	label := res
	if resp.Code == NotFound {
		label = "unknown"
	}
	s.metrics.RemoteRequest(label, methodLabel(method), resp.Code.Dotted())

	if resp.Err != nil {
		s.logger.Debug("request rejected",
			"method", method, "resource", res, "code", resp.Code.String(), "error", resp.Err)
	}
	return resp
}

func (s *Surface) dispatch(res, method string, payload []byte) Response {
	var (
		out  []byte
		code Code
		err  error
	)
	switch res {
	case ResourceRoom:
		out, code, err = s.room(method, payload)
	case ResourceColor:
		out, code, err = s.color(method, payload)
	case ResourceMode:
		out, code, err = s.mode(method, payload)
	case ResourceThresholds:
		out, code, err = s.thresholds(method, payload)
	default:
		return Response{Code: NotFound, Err: fmt.Errorf("%w: %q", errUnknownRes, res)}
	}
	if err != nil {
		return Response{Code: errorCode(err), Err: err}
	}
	return Response{Code: code, Payload: out}
}

func errorCode(err error) Code {
	switch {
	case errors.Is(err, state.ErrNotPermitted):
		return Forbidden
	case errors.Is(err, errUnknownMethod):
		return MethodNotAllowed
	default:
		// ErrBadPayload, ErrUnknownMode, state.ErrInvalidRoom
		return BadRequest
	}
}

// methodLabel bounds the metric label set; clients choose the method token.
func methodLabel(method string) string {
	switch method {
	case MethodGet, MethodPut, MethodDelete:
		return method
	default:
		return "other"
	}
}

func methodErr(method string) error {
	return fmt.Errorf("%w: %q", errUnknownMethod, method)
}

// Encode returns the GET encoding of a resource.
func Encode(res string, snap state.Snapshot) ([]byte, error) {
	switch res {
	case ResourceRoom:
		return []byte(snap.Room), nil
	case ResourceColor:
		return []byte{snap.Color.R, snap.Color.G, snap.Color.B}, nil
	case ResourceMode:
		return []byte{byte(snap.Mode)}, nil
	case ResourceThresholds:
		return persist.EncodeThresholdsWire(snap.Thresholds), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownRes, res)
	}
}

func (s *Surface) room(method string, payload []byte) ([]byte, Code, error) {
	switch method {
	case MethodGet:
		return []byte(s.dev.Room()), Content, nil
	case MethodPut:
		stored, prev, err := s.dev.SetRoom(string(payload))
		if err != nil {
			return nil, 0, err
		}
		s.publish(ResourceRoom)
		s.logger.Info("room set", "room", stored)
		if prev == state.RoomUnset {
			return nil, Created, nil
		}
		return nil, Changed, nil
	case MethodDelete:
		if _, _, err := s.dev.SetRoom(""); err != nil {
			return nil, 0, err
		}
		s.publish(ResourceRoom)
		s.logger.Info("room reset")
		return nil, Deleted, nil
	default:
		return nil, 0, methodErr(method)
	}
}

func (s *Surface) color(method string, payload []byte) ([]byte, Code, error) {
	var c state.Color
	code := Changed
	switch method {
	case MethodGet:
		c := s.dev.Color()
		return []byte{c.R, c.G, c.B}, Content, nil
	case MethodPut:
		if len(payload) != 3 {
			return nil, 0, fmt.Errorf("%w: color needs 3 bytes, got %d", ErrBadPayload, len(payload))
		}
		c = state.Color{R: payload[0], G: payload[1], B: payload[2]}
	case MethodDelete:
		code = Deleted
	default:
		return nil, 0, methodErr(method)
	}

	m, err := s.dev.ApplyRemoteColor(c)
	if err != nil {
		return nil, 0, fmt.Errorf("set color in mode %s: %w", m, err)
	}
	// In audio_intensity the pipeline takes over intensity on its next
	// non-silent cycle.
	s.drive(c, 100)
	s.publish(ResourceColor)
	return nil, code, nil
}

func (s *Surface) mode(method string, payload []byte) ([]byte, Code, error) {
	var m mode.Mode
	code := Changed
	switch method {
	case MethodGet:
		return []byte{byte(s.dev.Mode())}, Content, nil
	case MethodPut:
		if len(payload) != 1 {
			return nil, 0, fmt.Errorf("%w: mode needs 1 byte, got %d", ErrBadPayload, len(payload))
		}
		var err error
		if m, err = mode.FromIndex(payload[0]); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnknownMode, err)
		}
	case MethodDelete:
		m, code = mode.Manual, Deleted
	default:
		return nil, 0, methodErr(method)
	}

	prev, err := s.dev.SetMode(m)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownMode, err)
	}
	s.enterMode(m)
	s.publish(ResourceMode)
	s.logger.Info("mode set", "mode", m.String(), "previous", prev.String())
	return nil, code, nil
}

func (s *Surface) thresholds(method string, payload []byte) ([]byte, Code, error) {
	switch method {
	case MethodGet:
		return persist.EncodeThresholdsWire(s.dev.Thresholds()), Content, nil
	case MethodPut:
		t, err := persist.DecodeThresholds(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		s.dev.SetThresholds(t)
		s.publish(ResourceThresholds)
		s.logger.Info("thresholds set", "thresholds", t)
		return nil, Changed, nil
	case MethodDelete:
		s.dev.SetThresholds(state.DefaultThresholds())
		s.publish(ResourceThresholds)
		s.logger.Info("thresholds reset")
		return nil, Deleted, nil
	default:
		return nil, 0, methodErr(method)
	}
}

// enterMode runs the side effects of switching to m.
func (s *Surface) enterMode(m mode.Mode) {
	s.timerMu.Lock()
	if s.blackout != nil {
		s.blackout.Stop()
		s.blackout = nil
	}
	if m == mode.Off {
		s.blackout = time.AfterFunc(s.BlackoutGrace, s.forceBlackout)
	}
	s.timerMu.Unlock()

	if m == mode.Manual {
		s.drive(s.dev.Color(), 100)
	}
}

func (s *Surface) forceBlackout() {
	if !s.dev.ForceBlackout() {
		// Mode moved on before the grace delay expired.
		return
	}
	s.drive(state.Color{}, 0)
	s.publish(ResourceColor)
	s.logger.Debug("blackout applied")
}

func (s *Surface) drive(c state.Color, intensity uint8) {
	if s.out == nil {
		return
	}
	if err := s.out.Set(c.R, c.G, c.B, intensity); err != nil {
		s.metrics.OutputError()
		s.logger.Warn("output update failed", "error", err)
	}
}

func (s *Surface) publish(res string) {
	s.pubMu.RLock()
	pubs := s.pubs
	s.pubMu.RUnlock()
	if len(pubs) == 0 {
		return
	}
	snap := s.dev.Snapshot()
	payload, _ := Encode(res, snap)
	ch := Change{Resource: res, Payload: payload, State: snap, At: s.now()}
	for _, p := range pubs {
		p.Publish(ch)
	}
}

// Close stops a pending blackout timer.
func (s *Surface) Close() {
	s.timerMu.Lock()
	if s.blackout != nil {
		s.blackout.Stop()
		s.blackout = nil
	}
	s.timerMu.Unlock()
}
