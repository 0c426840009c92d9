// Package settings holds the user's voice profile. Persistence is someone
// else's job; this package only validates and hands out copies.
package settings

import (
	"fmt"
	"sync"
)

const (
	MinRate   = 0.1
	MaxRate   = 10.0
	MinPitch  = 0.0
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 1.0
)

type VoiceProfile struct {
	VoiceID string  `json:"voiceId"`
	Rate    float64 `json:"rate"`
	Pitch   float64 `json:"pitch"`
	Volume  float64 `json:"volume"`
}

func DefaultVoiceProfile() VoiceProfile {
	return VoiceProfile{VoiceID: "alloy", Rate: 1, Pitch: 1, Volume: 1}
}

func (p VoiceProfile) Validate() error {
	if p.Rate < MinRate || p.Rate > MaxRate {
		return fmt.Errorf("rate %.2f out of range [%.1f, %.1f]", p.Rate, MinRate, MaxRate)
	}
	if p.Pitch < MinPitch || p.Pitch > MaxPitch {
		return fmt.Errorf("pitch %.2f out of range [%.1f, %.1f]", p.Pitch, MinPitch, MaxPitch)
	}
	if p.Volume < MinVolume || p.Volume > MaxVolume {
		return fmt.Errorf("volume %.2f out of range [%.1f, %.1f]", p.Volume, MinVolume, MaxVolume)
	}
	return nil
}

// Clamp pulls every field into range and fills an empty voice id.
func (p VoiceProfile) Clamp() VoiceProfile {
	p.Rate = min(max(p.Rate, MinRate), MaxRate)
	p.Pitch = min(max(p.Pitch, MinPitch), MaxPitch)
	p.Volume = min(max(p.Volume, MinVolume), MaxVolume)
	if p.VoiceID == "" {
		p.VoiceID = DefaultVoiceProfile().VoiceID
	}
	return p
}

// Store is the settings collaborator seen by the rest of the client.
type Store interface {
	VoiceProfile() VoiceProfile
	SetVoiceProfile(VoiceProfile) error
}

type Memory struct {
	mu      sync.RWMutex
	profile VoiceProfile
}

func NewMemory(initial VoiceProfile) *Memory {
	return &Memory{profile: initial.Clamp()}
}

func (m *Memory) VoiceProfile() VoiceProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

func (m *Memory) SetVoiceProfile(p VoiceProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if p.VoiceID == "" {
		p.VoiceID = DefaultVoiceProfile().VoiceID
	}
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
	return nil
}
