package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
)

const (
	queueAISuggestions = "queue:ai:suggestions"
	queueAISummarize   = "queue:ai:summarize"
)

// Suggester produces reply suggestions and conversation summaries. The
// model backend lives behind this interface.
type Suggester interface {
	Suggest(ctx context.Context, tenantID, conversationID uuid.UUID) ([]string, error)
	Summarize(ctx context.Context, tenantID, conversationID uuid.UUID) (string, error)
}

type aiJob struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// AIWorker consumes suggestion and summarization requests and publishes
// the results back onto the event bus for connected operators.
type AIWorker struct {
	Base

	pub        *bus.Publisher
	suggester  Suggester
	popTimeout time.Duration
}

// NewAIWorker builds the AI processing worker.
func NewAIWorker(pub *bus.Publisher, queue *bus.Queue, suggester Suggester, logger *zerolog.Logger) *AIWorker {
	w := &AIWorker{pub: pub, suggester: suggester, popTimeout: 5 * time.Second}
	w.Log = logger
	w.Queue = queue
	return w
}

func (w *AIWorker) Name() string { return "ai" }

func (w *AIWorker) Init(ctx context.Context) error {
	if w.suggester == nil {
		return fmt.Errorf("ai worker requires a suggester")
	}
	return nil
}

// Process drains both AI queues concurrently until ctx is canceled.
func (w *AIWorker) Process(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.ConsumeQueue(ctx, queueAISuggestions, w.popTimeout, w.suggest)
	}()
	go func() {
		defer wg.Done()
		w.ConsumeQueue(ctx, queueAISummarize, w.popTimeout, w.summarize)
	}()
	wg.Wait()
	return nil
}

func (w *AIWorker) Close() error { return nil }

func (w *AIWorker) suggest(ctx context.Context, item []byte) error {
	job, err := decodeAIJob(item)
	if err != nil {
		return err
	}

	suggestions, err := w.suggester.Suggest(ctx, job.TenantID, job.ConversationID)
	if err != nil {
		return fmt.Errorf("generate suggestions: %w", err)
	}
	if len(suggestions) == 0 {
		return nil
	}

	ev := event.New(event.TypeAISuggestionReady, job.TenantID, map[string]any{
		"suggestions": suggestions,
	})
	ev.ConversationID = &job.ConversationID
	if _, err := w.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish suggestions: %w", err)
	}

	w.Log.Info().
		Str("conversation_id", job.ConversationID.String()).
		Int("count", len(suggestions)).
		Msg("suggestions ready")
	return nil
}

func (w *AIWorker) summarize(ctx context.Context, item []byte) error {
	job, err := decodeAIJob(item)
	if err != nil {
		return err
	}

	summary, err := w.suggester.Summarize(ctx, job.TenantID, job.ConversationID)
	if err != nil {
		return fmt.Errorf("summarize conversation: %w", err)
	}

	ev := event.New(event.TypeAISummaryReady, job.TenantID, map[string]any{
		"summary": summary,
	})
	ev.ConversationID = &job.ConversationID
	if _, err := w.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}

	w.Log.Info().
		Str("conversation_id", job.ConversationID.String()).
		Msg("summary ready")
	return nil
}

func decodeAIJob(item []byte) (aiJob, error) {
	var job aiJob
	if err := json.Unmarshal(item, &job); err != nil {
		return job, fmt.Errorf("decode ai job: %w", err)
	}
	if job.TenantID == uuid.Nil || job.ConversationID == uuid.Nil {
		return job, fmt.Errorf("ai job missing tenant or conversation id")
	}
	return job, nil
}
