// Package worker consumes synthesis jobs from NATS, drives them through the
// scheduler, and always answers with a terminal result event.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/scheduler"
)

const uploadTimeout = 30 * time.Second

// NatsWorker listens for synthesis jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	statsSubject   string
	statsInterval  time.Duration
	audioStore     core.ObjectStore
	sched          *scheduler.Scheduler
	cache          *conditioning.Cache
	arbiter        *device.Arbiter
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. An empty
// statsSubject disables the periodic health snapshot.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	statsSubject string,
	statsInterval time.Duration,
	audioStore core.ObjectStore,
	sched *scheduler.Scheduler,
	cache *conditioning.Cache,
	arbiter *device.Arbiter,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		statsSubject:   statsSubject,
		statsInterval:  statsInterval,
		audioStore:     audioStore,
		sched:          sched,
		cache:          cache,
		arbiter:        arbiter,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	if w.statsSubject != "" && w.statsInterval > 0 {
		go w.statsLoop(ctx)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// handleMessage hands each message to its own goroutine so a job waiting in
// the admission queue never blocks delivery of the next one. Fail-fast
// rejection only means something if later requests still reach Submit.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	go w.processMessage(msg)
}

func (w *NatsWorker) processMessage(msg *nats.Msg) {
	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		return
	}

	// The envelope decoded, so the client gets a published result even for
	// invalid requests.
	if event.Text == "" {
		w.respondInvalid(msg, event, core.ErrTextEmpty)

		return
	}

	req := requestFromEvent(event)

	result := w.runJob(req)

	replyEvent := &core.SynthesisCompletedEvent{
		Header:       event.Header,
		Status:       result.Status,
		ErrorKind:    result.ErrorKind,
		ErrorMessage: result.ErrorMessage,
		LatencyMs:    result.LatencyMs,
		DeviceUsed:   result.DeviceUsed,
		Truncated:    result.Truncated,
	}

	if result.Status == core.StatusCompleted {
		audioKey, uploadErr := w.uploadAudio(result.Audio)
		if uploadErr != nil {
			w.log.Error(
				"Failed to upload audio for workflow %s: %v",
				event.Header.WorkflowID, uploadErr,
			)

			replyEvent.Status = core.StatusFailed
			replyEvent.ErrorKind = core.ErrorKindInternal
			replyEvent.ErrorMessage = uploadErr.Error()
		} else {
			replyEvent.AudioKey = audioKey
		}
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(
			"Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err,
		)
	}
}

// runJob submits the request and waits for its single terminal result. A
// Submit rejection is itself a terminal result, never a dropped message.
func (w *NatsWorker) runJob(req *core.SynthesisRequest) core.JobResult {
	results, err := w.sched.Submit(req)
	if err != nil {
		w.log.Warn("Rejected job %s at admission: %v", req.ID, err)

		return core.JobResult{
			RequestID:    req.ID,
			Status:       core.StatusRejected,
			ErrorKind:    core.ErrorKindOf(err),
			ErrorMessage: err.Error(),
		}
	}

	return <-results
}

func (w *NatsWorker) uploadAudio(data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	audioKey := uuid.NewString() + ".wav"

	err := w.audioStore.Upload(ctx, audioKey, data)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the SynthesisCompletedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *core.SynthesisCompletedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*core.SynthesisRequestedEvent, error) {
	var event core.SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// respondInvalid publishes a Failed result for a request that cannot be
// admitted at all.
func (w *NatsWorker) respondInvalid(msg *nats.Msg, event *core.SynthesisRequestedEvent, cause error) {
	w.log.Warn("Rejecting invalid request for workflow %s: %v", event.Header.WorkflowID, cause)

	replyEvent := &core.SynthesisCompletedEvent{
		Header:       event.Header,
		Status:       core.StatusFailed,
		ErrorKind:    core.ErrorKindStage,
		ErrorMessage: cause.Error(),
	}

	err := w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(
			"Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err,
		)
	}
}

// statsLoop publishes a health snapshot on a fixed interval until ctx ends.
func (w *NatsWorker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishStats()
		}
	}
}

func (w *NatsWorker) publishStats() {
	schedStats := w.sched.Snapshot()
	cacheStats := w.cache.Snapshot()

	snapshot := core.StatsSnapshot{
		QueueDepth:     schedStats.QueueDepth,
		Devices:        w.arbiter.Snapshot(),
		CacheHits:      cacheStats.Hits,
		CacheMisses:    cacheStats.Misses,
		CacheEvictions: cacheStats.Evictions,
		CacheEntries:   cacheStats.Entries,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		w.log.Error("Failed to marshal stats snapshot: %v", err)

		return
	}

	err = w.natsConnection.Publish(w.statsSubject, data)
	if err != nil {
		w.log.Error("Failed to publish stats snapshot: %v", err)
	}
}

// requestFromEvent maps the wire event to the internal request, stamping
// receipt time and converting the relative deadline to an absolute one.
func requestFromEvent(event *core.SynthesisRequestedEvent) *core.SynthesisRequest {
	receivedAt := time.Now()

	requestID := event.Header.EventID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req := &core.SynthesisRequest{
		ID:   requestID,
		Text: event.Text,
		Voice: core.VoiceRef{
			Name:     event.VoiceName,
			AudioKey: event.VoiceAudioKey,
		},
		LanguageHint: event.LanguageHint,
		ReceivedAt:   receivedAt,
	}

	if event.DeadlineMs > 0 {
		req.Deadline = receivedAt.Add(time.Duration(event.DeadlineMs) * time.Millisecond)
	}

	return req
}
