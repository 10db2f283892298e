package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// deviceStateKey is the single record in app_state holding the device
// identity.
const deviceStateKey = "device_state"

// DeviceState identifies this installation across restarts. The ID is
// generated once and persisted; it disambiguates which process authored a
// queued mutation and breaks conflict-resolution ties deterministically.
type DeviceState struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadDeviceState returns the persisted device identity, generating and
// persisting a new one on first run.
func LoadDeviceState(ctx context.Context, s Store) (DeviceState, error) {
	raw, ok, err := s.Get(ctx, PartitionAppState, deviceStateKey)
	if err != nil {
		return DeviceState{}, fmt.Errorf("failed to load device state: %w", err)
	}
	if ok {
		var state DeviceState
		if err := json.Unmarshal(raw, &state); err == nil && state.DeviceID != "" {
			return state, nil
		}
		// Corrupt record: fall through and regenerate.
	}

	state := DeviceState{
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return DeviceState{}, fmt.Errorf("failed to marshal device state: %w", err)
	}
	if err := s.Set(ctx, PartitionAppState, deviceStateKey, data); err != nil {
		return DeviceState{}, fmt.Errorf("failed to persist device state: %w", err)
	}
	return state, nil
}
