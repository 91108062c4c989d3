package persist

import (
	"errors"
	"log/slog"

	"audioleds/internal/kvstore"
	"audioleds/internal/mode"
	"audioleds/internal/state"
)

// Load reads every record from store. Each key falls back to its default on
// its own: not-found silently, read errors and malformed records with a
// warning. A persisted mode index that is out of range resolves to the
// default mode.
func Load(store kvstore.Store, logger *slog.Logger) state.Snapshot {
	snap := state.Snapshot{
		Mode:       mode.Default,
		Room:       state.RoomUnset,
		Thresholds: state.DefaultThresholds(),
	}

	if b, ok := get(store, KeyColorMode, logger); ok {
		c, m, modeOK, err := DecodeColorMode(b)
		switch {
		case err != nil:
			logger.Warn("ignoring stored record", "key", KeyColorMode, "error", err)
		case !modeOK:
			logger.Warn("stored mode out of range, using default", "index", b[4], "mode", mode.Default)
			snap.Color = c
		default:
			snap.Color, snap.Mode = c, m
		}
	}

	if b, ok := get(store, KeyRoom, logger); ok {
		if room, err := DecodeRoom(b); err != nil {
			logger.Warn("ignoring stored record", "key", KeyRoom, "error", err)
		} else {
			snap.Room = room
		}
	}

	if b, ok := get(store, KeyThresholds, logger); ok {
		if thr, err := DecodeThresholds(b); err != nil {
			logger.Warn("ignoring stored record", "key", KeyThresholds, "error", err)
		} else {
			snap.Thresholds = thr
		}
	}

	logger.Info("state restored",
		"color", snap.Color.String(),
		"mode", snap.Mode,
		"room", snap.Room,
		"thresholds", snap.Thresholds)
	return snap
}

func get(store kvstore.Store, key string, logger *slog.Logger) ([]byte, bool) {
	b, err := store.Get(key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			logger.Debug("no stored record, using default", "key", key)
		} else {
			logger.Warn("read stored record failed, using default", "key", key, "error", err)
		}
		return nil, false
	}
	return b, true
}
