package core

import "github.com/book-expert/events"

// SynthesisRequestedEvent is the inbound job message delivered by the broker.
// Exactly one of VoiceName or VoiceAudioKey selects the speaker; both empty
// means the configured default voice.
type SynthesisRequestedEvent struct {
	Header        events.EventHeader `json:"Header"`
	Text          string             `json:"Text"`
	VoiceName     string             `json:"VoiceName,omitempty"`
	VoiceAudioKey string             `json:"VoiceAudioKey,omitempty"`
	LanguageHint  string             `json:"LanguageHint,omitempty"`
	DeadlineMs    int64              `json:"DeadlineMs,omitempty"`
}

// SynthesisCompletedEvent is the outbound result message. AudioKey names the
// uploaded WAV object when Status is StatusCompleted.
type SynthesisCompletedEvent struct {
	Header       events.EventHeader `json:"Header"`
	Status       JobStatus          `json:"Status"`
	AudioKey     string             `json:"AudioKey,omitempty"`
	ErrorKind    string             `json:"ErrorKind,omitempty"`
	ErrorMessage string             `json:"ErrorMessage,omitempty"`
	LatencyMs    int64              `json:"LatencyMs"`
	DeviceUsed   DeviceKind         `json:"DeviceUsed,omitempty"`
	Truncated    bool               `json:"Truncated,omitempty"`
}

// StatsSnapshot is the aggregate health signal published for external
// monitoring.
type StatsSnapshot struct {
	QueueDepth     map[DeviceKind]int `json:"QueueDepth"`
	Devices        []DeviceStats      `json:"Devices"`
	CacheHits      uint64             `json:"CacheHits"`
	CacheMisses    uint64             `json:"CacheMisses"`
	CacheEvictions uint64             `json:"CacheEvictions"`
	CacheEntries   int                `json:"CacheEntries"`
}

// DeviceStats is the per-device utilization view.
type DeviceStats struct {
	Kind     DeviceKind `json:"Kind"`
	Capacity int        `json:"Capacity"`
	InUse    int        `json:"InUse"`
	Healthy  bool       `json:"Healthy"`
}
