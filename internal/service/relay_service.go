package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/bark-labs/apns-relay/internal/delivery"
	"github.com/bark-labs/apns-relay/internal/model"
	"github.com/bark-labs/apns-relay/internal/storage"
)

// RelayService fronts the delivery agent for the admin API and mirrors
// blacklist and outcome data into the store.
type RelayService struct {
	agent *delivery.Agent
	store storage.Store
	log   *slog.Logger
}

// NewRelayService builds RelayService. The store may be nil to run without
// persistence.
func NewRelayService(agent *delivery.Agent, store storage.Store, log *slog.Logger) *RelayService {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RelayService{agent: agent, store: store, log: log}
}

var _ delivery.BlacklistSink = (*RelayService)(nil)

// TokenBlacklisted persists every token the agent blacklists.
func (s *RelayService) TokenBlacklisted(token string, at time.Time, source string) {
	if s.store == nil {
		return
	}
	record := &storage.BlacklistedToken{Token: token, Source: source, BlacklistedAt: at}
	if err := s.store.UpsertBlacklistedToken(context.Background(), record); err != nil {
		s.log.Warn("persist blacklisted token", "token", token, "error", err)
	}
}

// SeedBlacklist loads persisted blacklist records into the agent. Call it
// before the agent starts.
func (s *RelayService) SeedBlacklist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.ListBlacklistedTokens(ctx)
	if err != nil {
		return err
	}
	seed := make(map[string]time.Time, len(records))
	for _, r := range records {
		seed[r.Token] = r.BlacklistedAt
	}
	s.agent.SeedBlacklist(seed)
	return nil
}

// Push validates and enqueues one notification. The result reflects queue
// acceptance only; the outcome lands in the push history once resolved.
func (s *RelayService) Push(ctx context.Context, req model.PushRequest) model.PushResult {
	token, err := model.ParseToken(req.Token)
	if err != nil {
		return model.PushResult{Token: req.Token, Message: err.Error()}
	}
	n := &model.Notification{
		Device:  token,
		Alert:   req.Alert,
		Badge:   req.Badge,
		Sound:   req.Sound,
		Expiry:  req.Expiry,
		Payload: req.Payload,
	}
	accepted := s.agent.Enqueue(n, func(err error) {
		s.recordOutcome(token.String(), req.Alert, err)
	})
	result := model.PushResult{Token: token.String(), Accepted: accepted}
	if !accepted {
		result.Message = "rejected before dispatch"
	}
	return result
}

func (s *RelayService) recordOutcome(token, alert string, err error) {
	if s.store == nil {
		return
	}
	record := &storage.PushRecord{Token: token, Alert: alert, Status: storage.PushStatusDelivered}
	if err != nil {
		record.Status = storage.PushStatusFailed
		record.Detail = err.Error()
	}
	if err := s.store.AppendPushRecord(context.Background(), record); err != nil {
		s.log.Warn("persist push record", "token", token, "error", err)
	}
}

// Blacklist returns the agent's live blacklist.
func (s *RelayService) Blacklist() map[string]time.Time {
	return s.agent.Blacklist()
}

// RemoveBlacklistedToken prunes one token from the agent and the store. The
// delivery core never prunes on its own; this is the collaborator surface
// for it.
func (s *RelayService) RemoveBlacklistedToken(ctx context.Context, token string) error {
	s.agent.RemoveBlacklisted(token)
	if s.store == nil {
		return nil
	}
	return s.store.DeleteBlacklistedToken(ctx, token)
}

// Events returns the agent's bounded event history.
func (s *RelayService) Events() []delivery.LogEntry {
	return s.agent.EventLog()
}

// History returns the persisted push history.
func (s *RelayService) History(ctx context.Context) ([]*storage.PushRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListPushRecords(ctx)
}

// Suspend pauses dispatch.
func (s *RelayService) Suspend() {
	s.agent.Suspend()
}

// Restart resumes dispatch.
func (s *RelayService) Restart() {
	s.agent.Restart()
}

// Suspended reports dispatch state.
func (s *RelayService) Suspended() bool {
	return s.agent.Suspended()
}

// QueueDepth reports pending and in-flight counts.
func (s *RelayService) QueueDepth() (int, int) {
	return s.agent.QueueDepth()
}

// RunRecovery restarts dispatch after connection-level suspensions and polls
// the feedback service on a fixed cadence, until ctx ends. The agent itself
// never resumes on its own.
func (s *RelayService) RunRecovery(ctx context.Context, resumeEvery, pollEvery time.Duration) {
	if resumeEvery <= 0 {
		resumeEvery = 10 * time.Second
	}
	resume := time.NewTicker(resumeEvery)
	defer resume.Stop()

	var pollC <-chan time.Time
	if pollEvery > 0 {
		poll := time.NewTicker(pollEvery)
		defer poll.Stop()
		pollC = poll.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-resume.C:
			if s.agent.Suspended() {
				s.log.Info("resuming suspended dispatch")
				s.agent.Restart()
			}
		case <-pollC:
			s.agent.PollFeedback(ctx)
		}
	}
}
