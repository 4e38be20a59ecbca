package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

const defaultQueueSize = 64

// SlackEmitter forwards operator-relevant events to a Slack incoming
// webhook. Emit only queues; delivery happens on the Start goroutine so a
// slow webhook never holds up a cycle.
type SlackEmitter struct {
	webhookURL string
	queue      chan events.Event
	dropped    atomic.Int64

	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackEmitter creates an emitter posting to webhookURL
func NewSlackEmitter(webhookURL string) *SlackEmitter {
	return &SlackEmitter{
		webhookURL: webhookURL,
		queue:      make(chan events.Event, defaultQueueSize),
		post:       slack.PostWebhookContext,
	}
}

// Notifiable reports whether an event type is worth a Slack message
func Notifiable(eventType string) bool {
	switch eventType {
	case events.HealthAllFailed, events.HealthExhausted,
		events.CycleCompleted, events.CycleFailed,
		events.SchedulerStopped:
		return true
	}
	return false
}

// Emit implements events.Emitter
func (s *SlackEmitter) Emit(_ context.Context, e events.Event) {
	if !Notifiable(e.Type) {
		return
	}
	select {
	case s.queue <- e:
	default:
		n := s.dropped.Add(1)
		log.Warn().Str("event", e.Type).Int64("dropped", n).Msg("Slack queue full, dropping notification")
	}
}

// Start delivers queued events until ctx is done, then flushes what is
// left with a short deadline.
func (s *SlackEmitter) Start(ctx context.Context) {
	log.Info().Msg("Slack notifier started")
	for {
		select {
		case <-ctx.Done():
			s.flush()
			log.Info().Msg("Slack notifier stopped")
			return
		case e := <-s.queue:
			if err := s.Deliver(ctx, e); err != nil {
				log.Warn().Err(err).Str("event", e.Type).Msg("Failed to deliver Slack notification")
			}
		}
	}
}

func (s *SlackEmitter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.queue:
			if err := s.Deliver(ctx, e); err != nil {
				log.Warn().Err(err).Str("event", e.Type).Msg("Failed to deliver Slack notification")
			}
		default:
			return
		}
	}
}

// Deliver posts a single event
func (s *SlackEmitter) Deliver(ctx context.Context, e events.Event) error {
	title, message := describe(e)
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s: %s", title, message),
		Blocks: &slack.Blocks{
			BlockSet: buildMessageBlocks(e.Type, title, message),
		},
	}

	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}

	log.Debug().Str("event", e.Type).Msg("Slack notification sent")
	return nil
}

func describe(e events.Event) (string, string) {
	str := func(key string) string {
		if v, ok := e.Fields[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch e.Type {
	case events.HealthAllFailed:
		return "All proxies failed the health check",
			fmt.Sprintf("Attempt %d of %d, 0 of %d proxies reachable", e.Int("attempt"), e.Int("max_attempts"), e.Int("total"))
	case events.HealthExhausted:
		return "Proxy pool exhausted",
			fmt.Sprintf("No usable proxies after %d health check rounds across %d proxies", e.Int("attempts"), e.Int("total"))
	case events.CycleCompleted:
		return "Harvest cycle finished",
			fmt.Sprintf("%d succeeded, %d failed, %d skipped in %s", e.Int("succeeded"), e.Int("failed"), e.Int("skipped"), str("duration"))
	case events.CycleFailed:
		return "Harvest cycle failed", str("error")
	case events.SchedulerStopped:
		msg := fmt.Sprintf("Stopped after %d cycles", e.Int("cycles"))
		if reason := str("error"); reason != "" {
			msg += ": " + reason
		}
		return "Scheduler stopped", msg
	}
	return e.Type, ""
}

func buildMessageBlocks(eventType, title, message string) []slack.Block {
	var emoji string
	switch {
	case eventType == events.CycleCompleted:
		emoji = ":white_check_mark:"
	case eventType == events.HealthAllFailed:
		emoji = ":warning:"
	case eventType == events.CycleFailed, eventType == events.HealthExhausted:
		emoji = ":x:"
	case strings.HasPrefix(eventType, "scheduler."):
		emoji = ":octagonal_sign:"
	default:
		emoji = ":bell:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *%s*", emoji, title),
				false,
				false,
			),
			nil,
			nil,
		),
	}

	if message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", message, false, false),
			nil,
			nil,
		))
	}

	return blocks
}
