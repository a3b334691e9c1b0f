// Package conditioning derives and caches speaker-conditioning profiles from
// reference audio, keyed by a content fingerprint of the normalized samples.
package conditioning

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrUnknownVoice indicates a request named a voice absent from the manifest.
var ErrUnknownVoice = errors.New("unknown voice")

// Profile is an immutable speaker-conditioning artifact. Only the last-used
// timestamp changes after publication.
type Profile struct {
	Fingerprint           string
	Embedding             []float32
	SourceDurationSeconds float64
	CreatedAt             time.Time

	lastUsed atomic.Int64
	pinned   bool
}

// LastUsedAt reports when the profile last served a request.
func (p *Profile) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsed.Load())
}

// Pinned reports whether the profile belongs to a named voice and is exempt
// from eviction.
func (p *Profile) Pinned() bool {
	return p.pinned
}

func (p *Profile) touch(now time.Time) {
	p.lastUsed.Store(now.UnixNano())
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	Computations uint64
	Entries      int
	PinnedVoices int
}

// Cache resolves voice references to conditioning profiles. Unseen
// fingerprints are computed at most once even under concurrent first use;
// concurrent callers await the single in-flight computation.
type Cache struct {
	store     core.ObjectStore
	extractor core.ProfileExtractor
	log       *logger.Logger

	group    singleflight.Group
	profiles *lru.Cache[string, *Profile]

	mu     sync.RWMutex
	voices map[string]*Profile

	hits         atomic.Uint64
	misses       atomic.Uint64
	evictions    atomic.Uint64
	computations atomic.Uint64

	now func() time.Time
}

// New creates a cache holding at most maxEntries unpinned profiles.
func New(
	store core.ObjectStore,
	extractor core.ProfileExtractor,
	maxEntries int,
	log *logger.Logger,
) (*Cache, error) {
	cache := &Cache{
		store:     store,
		extractor: extractor,
		log:       log,
		voices:    make(map[string]*Profile),
		now:       time.Now,
	}

	profiles, err := lru.NewWithEvict(maxEntries, cache.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache of %d entries: %w", maxEntries, err)
	}

	cache.profiles = profiles

	return cache, nil
}

func (c *Cache) onEvict(fingerprint string, _ *Profile) {
	c.evictions.Add(1)
	c.log.Info("Evicted conditioning profile %s", fingerprint)
}

// PinVoice computes the profile for a named voice from its reference-audio
// object and pins it so it can never be evicted. The profile is built
// privately and never enters the LRU, so the pinned flag is set before any
// other goroutine can see it.
func (c *Cache) PinVoice(ctx context.Context, name, audioKey string) error {
	data, err := c.store.Download(ctx, audioKey)
	if err != nil {
		return fmt.Errorf("failed to download reference audio for voice '%s': %w", name, err)
	}

	clip, err := normalizeReference(data)
	if err != nil {
		return fmt.Errorf("failed to build profile for voice '%s': %w", name, err)
	}

	profile, err := c.compute(ctx, clip, Fingerprint(clip))
	if err != nil {
		return fmt.Errorf("failed to build profile for voice '%s': %w", name, err)
	}

	profile.pinned = true

	c.mu.Lock()
	c.voices[name] = profile
	c.mu.Unlock()

	return nil
}

// GetOrCompute resolves a voice reference to its conditioning profile,
// computing and publishing it on first use. The profile's last-used timestamp
// is updated on every call.
func (c *Cache) GetOrCompute(ctx context.Context, ref core.VoiceRef) (*Profile, error) {
	if ref.Name != "" {
		return c.lookupVoice(ref.Name)
	}

	if ref.AudioKey == "" {
		return nil, core.ErrVoiceRefEmpty
	}

	data, err := c.store.Download(ctx, ref.AudioKey)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: failed to download reference audio '%s': %w", core.ErrExtraction, ref.AudioKey, err,
		)
	}

	return c.profileFromBytes(ctx, data)
}

func (c *Cache) lookupVoice(name string) (*Profile, error) {
	c.mu.RLock()
	profile, ok := c.voices[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownVoice, name)
	}

	c.hits.Add(1)
	profile.touch(c.now())

	return profile, nil
}

func (c *Cache) profileFromBytes(ctx context.Context, data []byte) (*Profile, error) {
	clip, err := normalizeReference(data)
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(clip)

	if profile, ok := c.profiles.Get(fingerprint); ok {
		c.hits.Add(1)
		profile.touch(c.now())

		return profile, nil
	}

	result, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// A waiter may have published the profile between the miss above
		// and this call.
		if existing, ok := c.profiles.Get(fingerprint); ok {
			return existing, nil
		}

		c.misses.Add(1)

		profile, computeErr := c.compute(ctx, clip, fingerprint)
		if computeErr != nil {
			return nil, computeErr
		}

		c.profiles.Add(fingerprint, profile)

		return profile, nil
	})
	if err != nil {
		return nil, err
	}

	profile, ok := result.(*Profile)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected computation result", core.ErrExtraction)
	}

	profile.touch(c.now())

	return profile, nil
}

func (c *Cache) compute(ctx context.Context, clip audio.Clip, fingerprint string) (*Profile, error) {
	c.computations.Add(1)

	embedding, err := c.extractor.Extract(ctx, clip.PCM, clip.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding extraction failed: %w", core.ErrExtraction, err)
	}

	now := c.now()
	profile := &Profile{
		Fingerprint:           fingerprint,
		Embedding:             embedding,
		SourceDurationSeconds: clip.DurationSeconds(),
		CreatedAt:             now,
	}
	profile.touch(now)

	return profile, nil
}

// Snapshot returns current cache counters.
func (c *Cache) Snapshot() Stats {
	c.mu.RLock()
	pinnedVoices := len(c.voices)
	c.mu.RUnlock()

	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		Computations: c.computations.Load(),
		Entries:      c.profiles.Len(),
		PinnedVoices: pinnedVoices,
	}
}

// normalizeReference decodes, validates, and resamples reference audio to the
// model sample rate.
func normalizeReference(data []byte) (audio.Clip, error) {
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %w", core.ErrExtraction, err)
	}

	err = audio.ValidateReferenceDuration(clip)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %w", core.ErrExtraction, err)
	}

	return audio.Resample(clip, audio.ModelSampleRate), nil
}

// Fingerprint hashes normalized reference audio. Hashing happens after
// resampling so the same source at different container rates maps to one
// profile.
func Fingerprint(clip audio.Clip) string {
	hash := sha256.New()

	var rate [4]byte

	binary.LittleEndian.PutUint32(rate[:], uint32(clip.SampleRate))
	hash.Write(rate[:])

	sample := make([]byte, 2)
	for _, s := range clip.PCM {
		binary.LittleEndian.PutUint16(sample, uint16(s))
		hash.Write(sample)
	}

	return hex.EncodeToString(hash.Sum(nil))
}
