package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/archivebot/internal/progress"
)

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Outcome is the notification published once per finished archive request.
type Outcome struct {
	RequestID   string    `json:"request_id"`
	Trigger     string    `json:"trigger"`
	URL         string    `json:"url"`
	ArchivedURL string    `json:"archived_url,omitempty"`
	Succeeded   bool      `json:"succeeded"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// PublisherSink publishes terminal events; intermediate stages are ignored.
type PublisherSink struct {
	publisher Publisher
	topic     string
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(publisher Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes one Outcome per terminal event.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, toOutcome(evt)); err != nil {
			errs = append(errs, fmt.Errorf("publish outcome %s: %w", evt.RequestUUID(), err))
		}
	}
	return errors.Join(errs...)
}

func toOutcome(evt progress.Event) Outcome {
	return Outcome{
		RequestID:   evt.RequestUUID().String(),
		Trigger:     evt.Trigger,
		URL:         evt.URL,
		ArchivedURL: evt.ArchivedURL,
		Succeeded:   evt.Stage == progress.StageArchiveDone,
		Kind:        evt.Kind,
		Message:     evt.Note,
		FinishedAt:  evt.TS,
		DurationMs:  evt.Dur.Milliseconds(),
	}
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
