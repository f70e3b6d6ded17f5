package curation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/export"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/logging"
)

type CurationService interface {
	ListBatches(ctx context.Context, includeIncomplete bool) ([]*BatchSummary, error)

	ListFrames(ctx context.Context, batchKey string, skip, limit int) ([]*Frame, error)
	GetFrame(ctx context.Context, batchKey string, index int) (*FrameDetail, error)
	FrameHistory(ctx context.Context, batchKey string, index int) ([]*Judgment, error)
	SaveFrame(ctx context.Context, batchKey string, index int, save FrameSave) (*FrameSaveResult, error)

	ListTracks(ctx context.Context, batchKey string) ([]*TrackSummary, error)
	TrackFrames(ctx context.Context, batchKey, tag string, blur BlurFilter) ([]*TrackFrame, error)
	TrackSamples(ctx context.Context, batchKey, tag string, limit int, blur BlurFilter) ([]*TrackSample, error)

	AbandonTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error)
	AcceptTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error)
	RecoverTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error)
	CompleteTrack(ctx context.Context, batchKey, tag, user string) (*CompletionResult, error)
	UncompleteTrack(ctx context.Context, batchKey, tag, user string) (*CompletionResult, error)
	SetPrimaryClass(ctx context.Context, batchKey, tag string, class TrackClass, user string) (bool, error)
	SetPersonDown(ctx context.Context, batchKey, tag string, personDown bool, user string) (bool, error)

	ExportTrack(ctx context.Context, batchKey, tag string) (*export.Dataset, error)
	ExportTracks(ctx context.Context, batchKey string, q ExportQuery) (*export.Dataset, error)
}

// Event describes a committed review change. It is published after the
// change is durable.
type Event struct {
	Type         string    `json:"type"`
	BatchKey     string    `json:"batch_key"`
	FrameIndex   *int      `json:"frame_index,omitempty"`
	FrameVersion *int      `json:"frame_version,omitempty"`
	TrackTag     string    `json:"track_tag,omitempty"`
	Action       string    `json:"action,omitempty"`
	Updated      int       `json:"updated"`
	User         string    `json:"user,omitempty"`
	At           time.Time `json:"at"`
}

const (
	EventFrameSaved   = "frame.saved"
	EventTrackUpdated = "track.updated"
)

// Publisher receives review events. Implementations must not block.
type Publisher interface {
	Publish(e Event)
}

type Service struct {
	repo      Repository
	logger    *slog.Logger
	publisher Publisher
	now       func() time.Time
}

// NewService builds a service over repo. A nil logger discards output.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

func (s *Service) batchLogger(batchKey string) *slog.Logger {
	return logging.WithBatch(s.logger, batchKey)
}

// SetPublisher attaches an event sink; nil disables publishing.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Service) publish(e Event) {
	if s.publisher == nil {
		return
	}
	e.At = s.now().UTC()
	s.publisher.Publish(e)
}

func (s *Service) ListBatches(ctx context.Context, includeIncomplete bool) ([]*BatchSummary, error) {
	batches, err := s.repo.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	summaries := make([]*BatchSummary, 0, len(batches))
	for _, b := range batches {
		summary := &BatchSummary{Batch: *b}
		if includeIncomplete {
			n, err := s.countIncompleteTracks(ctx, b.ID)
			if err != nil {
				return nil, fmt.Errorf("count incomplete tracks for %s: %w", b.Key, err)
			}
			summary.IncompleteTracks = &n
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) countIncompleteTracks(ctx context.Context, batchID string) (int, error) {
	tracks, err := s.repo.ListTracks(ctx, batchID, nil)
	if err != nil {
		return 0, err
	}
	stats, err := s.repo.TrackStats(ctx, batchID)
	if err != nil {
		return 0, err
	}

	incomplete := 0
	for _, t := range tracks {
		if !listedComplete(t, stats[t.Tag]) {
			incomplete++
		}
	}
	return incomplete, nil
}

func (s *Service) requireBatch(ctx context.Context, repo Repository, key string) (*Batch, error) {
	batch, err := repo.GetBatchByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", key, err)
	}
	if batch == nil {
		return nil, notFound("batch")
	}
	return batch, nil
}

func (s *Service) requireTrack(ctx context.Context, repo Repository, batch *Batch, tag string) (*Track, error) {
	track, err := repo.GetTrack(ctx, batch.ID, tag)
	if err != nil {
		return nil, fmt.Errorf("get track %s: %w", tag, err)
	}
	if track == nil {
		return nil, notFound("track")
	}
	return track, nil
}
