package session

import (
	"context"
	"time"

	"github.com/codefionn/agentlink/internal/catalog"
	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/retry"
	"github.com/codefionn/agentlink/internal/turns"
	"github.com/codefionn/agentlink/internal/wire"
)

// Thread is one conversation summary from the server's thread list.
type Thread struct {
	ID        string
	Title     string
	Preview   string
	UpdatedAt time.Time
	Archived  bool
}

// ListThreads fetches the server-side conversation list.
func (s *Session) ListThreads(ctx context.Context) ([]Thread, error) {
	result, err := s.call(ctx, "thread/list", nil)
	if err != nil {
		return nil, err
	}

	doc := fields.Wrap(result)
	rows, ok := doc.Array("threads", "items", "data")
	if !ok {
		return nil, nil
	}

	out := make([]Thread, 0, len(rows))
	for _, row := range rows {
		th := Thread{}
		th.ID, _ = row.Str("id", "threadId", "thread_id")
		if th.ID == "" {
			continue
		}
		th.Title, _ = row.Str("title", "name", "summary")
		th.Preview, _ = row.Str("preview", "lastMessage", "last_message")
		th.UpdatedAt, _ = row.Time("updatedAt", "updated_at", "lastActivityAt", "last_activity_at")
		th.Archived, _ = row.Bool("archived", "isArchived", "is_archived")
		out = append(out, th)
	}
	return out, nil
}

// GetThread fetches one conversation summary by id.
func (s *Session) GetThread(ctx context.Context, threadID string) (Thread, error) {
	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	result, err := s.call(ctx, "thread/get", &params)
	if err != nil {
		return Thread{}, err
	}

	doc := fields.Wrap(result)
	th := Thread{ID: threadID}
	if id, ok := doc.Str("thread.id", "threadId", "thread_id", "id"); ok {
		th.ID = id
	}
	th.Title, _ = doc.Str("thread.title", "title", "name", "summary")
	th.Preview, _ = doc.Str("thread.preview", "preview", "lastMessage", "last_message")
	th.UpdatedAt, _ = doc.Time("thread.updatedAt", "updatedAt", "updated_at")
	th.Archived, _ = doc.Bool("thread.archived", "archived", "isArchived", "is_archived")
	return th, nil
}

// StartThread creates a new conversation and returns its id.
func (s *Session) StartThread(ctx context.Context) (string, error) {
	result, err := s.call(ctx, "thread/start", nil)
	if err != nil {
		return "", err
	}
	id, _ := fields.Wrap(result).Str("threadId", "thread_id", "id", "thread.id")
	return id, nil
}

// ResumeThread reopens an existing conversation on the server.
func (s *Session) ResumeThread(ctx context.Context, threadID string) error {
	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	_, err := s.call(ctx, "thread/resume", &params)
	return err
}

// ForkThread branches a conversation and returns the new thread id.
func (s *Session) ForkThread(ctx context.Context, threadID string) (string, error) {
	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	result, err := s.call(ctx, "thread/fork", &params)
	if err != nil {
		return "", err
	}
	id, _ := fields.Wrap(result).Str("threadId", "thread_id", "id", "thread.id")
	return id, nil
}

// ArchiveThread archives a conversation.
func (s *Session) ArchiveThread(ctx context.Context, threadID string) error {
	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	_, err := s.call(ctx, "thread/archive", &params)
	return err
}

// UnarchiveThread restores an archived conversation.
func (s *Session) UnarchiveThread(ctx context.Context, threadID string) error {
	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	_, err := s.call(ctx, "thread/unarchive", &params)
	return err
}

// TurnOptions carries the optional preferences for a new turn. The server
// may reject either preference; rejected ones are dropped and the turn is
// retried without them.
type TurnOptions struct {
	Model  string
	Effort string
}

// StartTurn submits user input on a thread. The model and effort
// preferences are negotiated: a server that rejects one still gets the
// turn, just without that preference.
func (s *Session) StartTurn(ctx context.Context, threadID, input string, opts TurnOptions) (string, error) {
	if !s.IsConnected() {
		return "", ErrNotConnected
	}

	optionals := make([]retry.OptionalParam, 0, 2)
	if opts.Model != "" {
		optionals = append(optionals, retry.ParamModel)
	}
	if opts.Effort != "" {
		optionals = append(optionals, retry.ParamEffort)
	}

	result, err := s.retry.DoNegotiated(ctx, optionals,
		func(ctx context.Context, stripped map[retry.OptionalParam]bool) (wire.Value, error) {
			fs := []wire.Field{
				wire.F("threadId", wire.String(threadID)),
				wire.F("input", wire.Object(
					wire.F("type", wire.String("text")),
					wire.F("text", wire.String(input)),
				)),
			}
			if opts.Model != "" && !stripped[retry.ParamModel] {
				fs = append(fs, wire.F("model", wire.String(opts.Model)))
			}
			if opts.Effort != "" && !stripped[retry.ParamEffort] {
				fs = append(fs, wire.F("effort", wire.String(opts.Effort)))
			}
			params := wire.Object(fs...)
			return s.roundTrip(ctx, "turn/start", &params)
		})
	if err != nil {
		return "", err
	}

	turnID, _ := fields.Wrap(result).Str("turnId", "turn_id", "id", "turn.id")
	return turnID, nil
}

// SteerTurn injects additional input into the active turn of a thread.
func (s *Session) SteerTurn(ctx context.Context, threadID, input string) error {
	params := wire.Object(
		wire.F("threadId", wire.String(threadID)),
		wire.F("input", wire.Object(
			wire.F("type", wire.String("text")),
			wire.F("text", wire.String(input)),
		)),
	)
	_, err := s.call(ctx, "turn/steer", &params)
	return err
}

// InterruptTurn aborts the active turn of a thread. On success the local
// turn state is cleared without a completion event.
func (s *Session) InterruptTurn(ctx context.Context, threadID string) error {
	turnID, _, _ := s.tracker.ActiveTurn(threadID)

	params := wire.Object(wire.F("threadId", wire.String(threadID)))
	if _, err := s.call(ctx, "turn/interrupt", &params); err != nil {
		return err
	}
	s.tracker.InterruptTurn(threadID, turnID)
	return nil
}

// StartReview asks the agent to review a target (a branch, a commit range,
// or uncommitted changes). Servers that predate structured review targets
// reject the parameter; the review then starts against the default target.
func (s *Session) StartReview(ctx context.Context, threadID, target string) (string, error) {
	if !s.IsConnected() {
		return "", ErrNotConnected
	}

	var optionals []retry.OptionalParam
	if target != "" {
		optionals = append(optionals, retry.ParamReviewTarget)
	}

	result, err := s.retry.DoNegotiated(ctx, optionals,
		func(ctx context.Context, stripped map[retry.OptionalParam]bool) (wire.Value, error) {
			fs := []wire.Field{wire.F("threadId", wire.String(threadID))}
			if target != "" && !stripped[retry.ParamReviewTarget] {
				fs = append(fs, wire.F("reviewTarget", wire.String(target)))
			}
			params := wire.Object(fs...)
			return s.roundTrip(ctx, "review/start", &params)
		})
	if err != nil {
		return "", err
	}

	turnID, _ := fields.Wrap(result).Str("turnId", "turn_id", "id", "turn.id")
	return turnID, nil
}

// RefreshCatalogs re-fetches every catalog plus the rate-limit summary.
func (s *Session) RefreshCatalogs(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return s.refreshCatalogs(ctx)
}

func (s *Session) refreshCatalogs(ctx context.Context) error {
	if err := s.catalogs.RefreshAll(ctx); err != nil {
		return err
	}

	// Rate limits ride the same refresh cycle but live on the session.
	result, err := s.call(ctx, "rateLimit/list", nil)
	if err != nil {
		s.log.Debug("rate-limit fetch failed: %v", err)
		return nil
	}
	limits := catalog.ParseRateLimits(result)
	if len(limits) > 0 {
		s.mu.Lock()
		s.rateLimits = limits
		s.mu.Unlock()
	}
	return nil
}

// Models returns the cached model catalog.
func (s *Session) Models() []catalog.Model { return s.catalogs.Models() }

// MCPServers returns the cached MCP server catalog.
func (s *Session) MCPServers() []catalog.MCPServer { return s.catalogs.MCPServers() }

// Skills returns the cached skill catalog.
func (s *Session) Skills() []catalog.Skill { return s.catalogs.Skills() }

// Apps returns the cached app catalog.
func (s *Session) Apps() []catalog.App { return s.catalogs.Apps() }

// Commands returns the slash commands derived from the cached catalogs.
func (s *Session) Commands() []catalog.Command { return s.catalogs.Commands() }

// Transcript returns the accumulated transcript for a thread.
func (s *Session) Transcript(threadID string) string {
	return s.tracker.Transcript(threadID)
}

// ClearTranscript resets a thread's local transcript.
func (s *Session) ClearTranscript(threadID string) {
	s.tracker.ClearTranscript(threadID)
}

// AppendLocalEcho appends locally-originated text to a thread transcript
// so optimistic UI updates merge with later server deltas.
func (s *Session) AppendLocalEcho(threadID, text string) {
	s.tracker.AppendLocalEcho(threadID, text)
}

// ActiveTurn returns the active turn and phase for a thread.
func (s *Session) ActiveTurn(threadID string) (string, turns.Phase, bool) {
	return s.tracker.ActiveTurn(threadID)
}

// Approvals returns the pending server-initiated decisions, oldest first.
func (s *Session) Approvals() []turns.Approval {
	return s.tracker.Approvals()
}

// SubscribeCompletion registers a turn-completion subscriber.
func (s *Session) SubscribeCompletion(fn func(turns.CompletionEvent)) string {
	return s.tracker.Subscribe(fn)
}

// UnsubscribeCompletion removes a completion subscriber.
func (s *Session) UnsubscribeCompletion(token string) {
	s.tracker.Unsubscribe(token)
}
