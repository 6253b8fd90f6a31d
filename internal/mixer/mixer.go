// Package mixer produces one composite PCM output stream per session from
// all active, unmuted audio sources.
package mixer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/config"
	"github.com/onair-audio/backend/internal/metrics"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// maxConsecutiveMalformed is how many undecodable frames in a row a source
// may produce before it is dropped from the mix.
const maxConsecutiveMalformed = 5

// Frame is one sequence-numbered mixed output frame (PCM16-LE).
type Frame struct {
	Seq     uint64
	Payload []byte
}

// Output receives mixed frames on every tick. Called outside the mixer lock;
// implementations must not block.
type Output func(Frame)

// SourceDropped is called when a source is removed for producing malformed
// audio, so the owner can be notified. May be nil.
type SourceDropped func(src models.AudioSource, reason string)

type source struct {
	models.AudioSource
	jitter    [][]int16 // FIFO of decoded frames awaiting mixing
	malformed int       // consecutive undecodable frames
	lastSeq   uint64    // highest accepted producer sequence number
	seenSeq   bool
}

// Mixer combines the session's sources into one frame-paced output stream.
// All state is guarded by one mutex; the mix tick snapshots what it needs and
// emits outside the lock so a slow output never stalls state updates.
type Mixer struct {
	broadcastID  uuid.UUID
	maxSources   int
	frameSamples int
	frameDur     time.Duration
	jitterDepth  int

	mu      sync.Mutex
	sources map[uuid.UUID]*source
	seq     uint64

	out     Output
	dropped SourceDropped
	log     *zap.Logger
	mc      *metrics.Collector

	cancel context.CancelFunc
	done   chan struct{}
}

var framePool = sync.Pool{
	New: func() interface{} {
		return new([]int16)
	},
}

// New creates a mixer for one session. Run must be called to start producing.
func New(broadcastID uuid.UUID, cfg config.BroadcastConfig, out Output, log *zap.Logger, mc *metrics.Collector) *Mixer {
	return &Mixer{
		broadcastID:  broadcastID,
		maxSources:   cfg.MaxSources,
		frameSamples: cfg.FrameSamples(),
		frameDur:     cfg.FrameDuration,
		jitterDepth:  cfg.JitterFrames,
		sources:      make(map[uuid.UUID]*source),
		out:          out,
		log:          log.With(zap.String("broadcast_id", broadcastID.String())),
		mc:           mc,
	}
}

// SetSourceDroppedHandler sets the callback invoked when a malformed source
// is removed from the mix.
func (m *Mixer) SetSourceDroppedHandler(fn SourceDropped) {
	m.mu.Lock()
	m.dropped = fn
	m.mu.Unlock()
}

// Attach adds a source to the mix. When the session is at maxSources, a new
// source with strictly higher priority evicts the lowest-priority one
// (equal-priority ties evict the earliest active-since source); otherwise
// the attach fails with SourceLimitExceeded.
func (m *Mixer) Attach(src models.AudioSource) error {
	if src.Gain < 0 || src.Gain > 100 {
		return errs.InvalidParameter(fmt.Sprintf("gain %d out of range [0,100]", src.Gain))
	}
	m.mu.Lock()
	if _, exists := m.sources[src.ID]; exists {
		m.mu.Unlock()
		return errs.InvalidParameter("source already attached")
	}
	var evicted *source
	if len(m.sources) >= m.maxSources {
		victim := m.lowestPrioritySource()
		if victim == nil || src.Priority <= victim.Priority {
			m.mu.Unlock()
			return errs.SourceLimitExceeded(fmt.Sprintf("active sources at limit %d", m.maxSources))
		}
		delete(m.sources, victim.ID)
		evicted = victim
	}
	src.Active = true
	if src.ActiveSince.IsZero() {
		src.ActiveSince = time.Now()
	}
	m.sources[src.ID] = &source{AudioSource: src}
	n := len(m.sources)
	m.mu.Unlock()

	if evicted != nil {
		m.log.Info("source evicted by higher priority",
			zap.String("evicted_source", evicted.ID.String()),
			zap.Int("evicted_priority", evicted.Priority),
			zap.String("new_source", src.ID.String()),
			zap.Int("new_priority", src.Priority))
		if m.dropped != nil {
			m.dropped(evicted.AudioSource, "evicted")
		}
	}
	m.log.Info("source attached",
		zap.String("source_id", src.ID.String()),
		zap.String("type", string(src.Type)),
		zap.Int("priority", src.Priority))
	if m.mc != nil {
		m.mc.SetActiveSources(m.broadcastID.String(), n)
	}
	return nil
}

// lowestPrioritySource returns the eviction candidate: lowest priority number,
// ties broken by earliest ActiveSince. Caller holds the lock.
func (m *Mixer) lowestPrioritySource() *source {
	var victim *source
	for _, s := range m.sources {
		if victim == nil ||
			s.Priority < victim.Priority ||
			(s.Priority == victim.Priority && s.ActiveSince.Before(victim.ActiveSince)) {
			victim = s
		}
	}
	return victim
}

// Detach removes a source immediately. Removing the last source leaves the
// output producing silence, which is valid.
func (m *Mixer) Detach(sourceID uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.sources[sourceID]; !ok {
		m.mu.Unlock()
		return errs.NotFound("source")
	}
	delete(m.sources, sourceID)
	n := len(m.sources)
	m.mu.Unlock()

	m.log.Info("source detached", zap.String("source_id", sourceID.String()))
	if m.mc != nil {
		m.mc.SetActiveSources(m.broadcastID.String(), n)
	}
	return nil
}

// DetachByConnection removes every source owned by a connection. Used when a
// producer disconnects.
func (m *Mixer) DetachByConnection(connectionID string) int {
	m.mu.Lock()
	removed := 0
	for id, s := range m.sources {
		if s.ConnectionID == connectionID {
			delete(m.sources, id)
			removed++
		}
	}
	n := len(m.sources)
	m.mu.Unlock()
	if removed > 0 && m.mc != nil {
		m.mc.SetActiveSources(m.broadcastID.String(), n)
	}
	return removed
}

// SetGain updates a source's gain; takes effect on the next mix cycle.
func (m *Mixer) SetGain(sourceID uuid.UUID, gain int) error {
	if gain < 0 || gain > 100 {
		return errs.InvalidParameter(fmt.Sprintf("gain %d out of range [0,100]", gain))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return errs.NotFound("source")
	}
	s.Gain = gain
	return nil
}

// SetMuted updates a source's mute flag; takes effect on the next mix cycle.
func (m *Mixer) SetMuted(sourceID uuid.UUID, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return errs.NotFound("source")
	}
	s.Muted = muted
	return nil
}

// Push queues one producer frame (PCM16-LE) into the source's jitter buffer.
// A frame whose sequence number does not advance past the last accepted frame
// is a retransmit or reorder and is silently discarded. A malformed frame is
// dropped; a source that keeps producing malformed audio is removed from the
// mix without affecting the session.
func (m *Mixer) Push(sourceID uuid.UUID, seq uint64, payload []byte) error {
	m.mu.Lock()
	s, ok := m.sources[sourceID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("source")
	}
	if s.seenSeq && seq <= s.lastSeq {
		m.mu.Unlock()
		if m.mc != nil {
			m.mc.FrameDropped("stale")
		}
		return nil
	}
	samples, err := decodePCM16(payload)
	if err != nil {
		s.malformed++
		drop := s.malformed >= maxConsecutiveMalformed
		if drop {
			delete(m.sources, sourceID)
		}
		n := len(m.sources)
		src := s.AudioSource
		m.mu.Unlock()

		if m.mc != nil {
			m.mc.FrameDropped("malformed")
		}
		m.log.Warn("malformed audio frame",
			zap.String("source_id", sourceID.String()), zap.Error(err))
		if drop {
			m.log.Warn("source dropped from mix after repeated malformed frames",
				zap.String("source_id", sourceID.String()))
			if m.mc != nil {
				m.mc.SetActiveSources(m.broadcastID.String(), n)
			}
			if m.dropped != nil {
				m.dropped(src, "malformed")
			}
		}
		return errs.InvalidParameter("malformed audio frame")
	}
	s.malformed = 0
	s.lastSeq = seq
	s.seenSeq = true
	if len(s.jitter) >= m.jitterDepth {
		// Arrival outran the mix clock; drop the oldest buffered frame.
		s.jitter = s.jitter[1:]
		if m.mc != nil {
			m.mc.FrameDropped("jitter_overflow")
		}
	}
	s.jitter = append(s.jitter, samples)
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of one source.
func (m *Mixer) Get(sourceID uuid.UUID) (models.AudioSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return models.AudioSource{}, false
	}
	return s.AudioSource, true
}

// ActiveSources returns the number of currently attached sources.
func (m *Mixer) ActiveSources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Snapshot returns the current source set for presence/diagnostics.
func (m *Mixer) Snapshot() []models.AudioSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AudioSource, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s.AudioSource)
	}
	return out
}

// Run starts the frame-paced mix loop. The loop emits one sequence-numbered
// frame per tick until ctx is cancelled or Close is called; mixing pace is
// independent of producer arrival so listener delivery stays smooth.
func (m *Mixer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.frameDur)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// Close stops the mix loop and waits for the final tick to finish.
func (m *Mixer) Close() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if m.mc != nil {
		m.mc.ClearSession(m.broadcastID.String())
	}
}

// tick mixes one frame and hands it to the output.
func (m *Mixer) tick() {
	accPtr := framePool.Get().(*[]int16)
	acc := *accPtr
	if cap(acc) < m.frameSamples {
		acc = make([]int16, m.frameSamples)
	}
	acc = acc[:m.frameSamples]
	mixBuf := make([]int32, m.frameSamples)

	m.mu.Lock()
	for _, s := range m.sources {
		if s.Muted || len(s.jitter) == 0 {
			continue
		}
		samples := s.jitter[0]
		s.jitter = s.jitter[1:]
		gain := int32(s.Gain)
		n := len(samples)
		if n > m.frameSamples {
			n = m.frameSamples
		}
		for i := 0; i < n; i++ {
			mixBuf[i] += int32(samples[i]) * gain / 100
		}
	}
	m.seq++
	seq := m.seq
	out := m.out
	m.mu.Unlock()

	limit(mixBuf, acc)
	frame := Frame{Seq: seq, Payload: encodePCM16(acc)}
	*accPtr = acc
	framePool.Put(accPtr)

	if m.mc != nil {
		m.mc.FrameMixed()
	}
	if out != nil {
		out(frame)
	}
}

// limit applies a soft limiter: when simultaneous sources push the summed
// signal past full scale, the whole frame is scaled back so it never clips.
func limit(mix []int32, out []int16) {
	var peak int32
	for _, v := range mix {
		if v > peak {
			peak = v
		} else if -v > peak {
			peak = -v
		}
	}
	if peak <= 32767 {
		for i, v := range mix {
			out[i] = int16(v)
		}
		return
	}
	scale := float64(32767) / float64(peak)
	for i, v := range mix {
		out[i] = int16(float64(v) * scale)
	}
}

func decodePCM16(payload []byte) ([]int16, error) {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil, fmt.Errorf("payload length %d is not valid PCM16", len(payload))
	}
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return samples, nil
}

func encodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
