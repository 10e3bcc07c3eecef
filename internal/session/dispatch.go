package session

import (
	"context"
	"fmt"

	"github.com/codefionn/agentlink/internal/catalog"
	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/router"
	"github.com/codefionn/agentlink/internal/turns"
	"github.com/codefionn/agentlink/internal/wire"
)

// Server-initiated request methods.
const (
	methodExecApproval  = "execCommandApproval"
	methodPatchApproval = "applyPatchApproval"
	methodUserInput     = "userInput/request"
	// Older app-server builds use this method name for user input.
	methodUserInputLegacy = "tool/requestUserInput"
)

// dispatch routes one decoded envelope. Runs on the receive goroutine, so
// all derived-state updates are naturally serialized.
func (s *Session) dispatch(env *wire.Envelope) {
	shape, err := env.Shape()
	if err != nil {
		s.log.Warn("ignoring envelope with invalid shape: %v", err)
		return
	}

	switch shape {
	case wire.ShapeRequest:
		s.handleServerRequest(env)
	case wire.ShapeNotification:
		s.handleNotification(env)
	case wire.ShapeResponse:
		if env.Error != nil {
			s.route.Resolve(*env.ID, router.Outcome{Err: env.Error.Remote()})
		} else {
			out := router.Outcome{}
			if env.Result != nil {
				out.Result = *env.Result
			}
			s.route.Resolve(*env.ID, out)
		}
	}
}

// handleNotification updates derived state for one push notification.
func (s *Session) handleNotification(env *wire.Envelope) {
	var params wire.Value
	if env.Params != nil {
		params = *env.Params
	}
	doc := fields.Wrap(params)

	threadID, _ := doc.Str("threadId", "thread_id", "thread")
	turnID, _ := doc.Str("turnId", "turn_id", "turn")

	switch env.Method {
	case "item/agentMessageDelta":
		delta, ok := doc.Str("delta", "text", "content")
		if !ok {
			s.log.Debug("content delta without text on thread %s", threadID)
			return
		}
		s.tracker.AppendDelta(threadID, delta)

	case "turn/started":
		s.tracker.StartTurn(threadID, turnID)

	case "turn/completed":
		status, ok := doc.Str("status", "turn.status", "result")
		if !ok {
			status = "completed"
		}
		s.tracker.CompleteTurn(threadID, turnID, status)

	case "thread/started":
		s.log.Debug("thread %s started", threadID)

	case "thread/tokenUsage":
		if usage, ok := catalog.ParseContextUsage(params); ok {
			s.mu.Lock()
			s.contextUsage = &usage
			s.mu.Unlock()
		}

	case "rateLimits/updated":
		limits := catalog.ParseRateLimits(params)
		if len(limits) > 0 {
			s.mu.Lock()
			s.rateLimits = limits
			s.mu.Unlock()
		}

	case "catalog/updated":
		name, _ := doc.Str("catalog", "kind", "name")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			var err error
			if name == "models" {
				err = s.catalogs.RefreshModels(ctx)
			} else {
				err = s.catalogs.RefreshAll(ctx)
			}
			if err != nil {
				s.log.Warn("catalog refresh after %s update failed: %v", name, err)
			}
		}()

	case "error":
		msg, _ := doc.Str("message", "error", "detail")
		s.mu.Lock()
		s.diag.LastError = msg
		s.mu.Unlock()
		s.log.Warn("server reported error: %s", msg)

	default:
		s.log.Debug("unhandled notification %s", env.Method)
	}
}

// handleServerRequest queues a server-initiated request for a human
// decision. Unknown methods are queued too, tagged unknown, so the UI can
// at least surface them.
func (s *Session) handleServerRequest(env *wire.Envelope) {
	var params wire.Value
	if env.Params != nil {
		params = *env.Params
	}
	doc := fields.Wrap(params)

	a := turns.Approval{
		ID:     *env.ID,
		Method: env.Method,
	}
	a.ThreadID, _ = doc.Str("threadId", "thread_id", "thread")
	a.TurnID, _ = doc.Str("turnId", "turn_id", "turn")
	a.ItemID, _ = doc.Str("itemId", "item_id", "item")

	switch env.Method {
	case methodExecApproval:
		a.Kind = turns.KindCommand
		a.Command = commandString(doc)
		a.Cwd, _ = doc.Str("cwd", "workingDirectory", "working_directory", "dir")
		a.Reason, _ = doc.Str("reason", "justification", "explanation")

	case methodPatchApproval:
		a.Kind = turns.KindFileChange
		a.Reason, _ = doc.Str("reason", "justification", "explanation")

	case methodUserInput, methodUserInputLegacy:
		a.Kind = turns.KindUserInput
		a.Questions = parseQuestions(doc)

	default:
		a.Kind = turns.KindUnknown
		s.log.Warn("unknown server request %s (id %d) queued as unknown", env.Method, a.ID)
	}

	s.tracker.PushApproval(a)
}

// commandString joins argv-style commands into one display string.
func commandString(doc fields.Doc) string {
	if cmd, ok := doc.Str("command", "cmd"); ok {
		return cmd
	}
	if argv, ok := doc.StrSlice("command", "cmd", "argv"); ok {
		out := ""
		for i, arg := range argv {
			if i > 0 {
				out += " "
			}
			out += arg
		}
		return out
	}
	return ""
}

func parseQuestions(doc fields.Doc) []turns.Question {
	rows, ok := doc.Array("questions", "items", "prompts")
	if !ok {
		// Single-question shape.
		if prompt, ok := doc.Str("question", "prompt"); ok {
			return []turns.Question{{ID: "answer", Prompt: prompt}}
		}
		return nil
	}

	var out []turns.Question
	for i, row := range rows {
		q := turns.Question{}
		q.ID, _ = row.Str("id", "questionId", "question_id", "name")
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		q.Prompt, _ = row.Str("prompt", "question", "text", "label")
		q.Options, _ = row.StrSlice("options", "choices")
		out = append(out, q)
	}
	return out
}

// Decision answers one queued approval.
type Decision struct {
	// Approved applies to command and file-change approvals
	Approved bool
	// Answers applies to user-input requests, keyed by question id
	Answers map[string]string
}

// RespondApproval sends the decision for one queued approval and removes
// exactly the matching entry. A second decision for the same id fails with
// turns.ErrApprovalNotFound rather than answering twice.
func (s *Session) RespondApproval(id int64, decision Decision) error {
	a, err := s.tracker.TakeApproval(id)
	if err != nil {
		return err
	}

	var result wire.Value
	switch a.Kind {
	case turns.KindUserInput:
		answerFields := make([]wire.Field, 0, len(decision.Answers))
		for _, q := range a.Questions {
			if answer, ok := decision.Answers[q.ID]; ok {
				answerFields = append(answerFields, wire.F(q.ID, wire.String(answer)))
			}
		}
		result = wire.Object(wire.F("answers", wire.Object(answerFields...)))
	default:
		verdict := "denied"
		if decision.Approved {
			verdict = "approved"
		}
		result = wire.Object(wire.F("decision", wire.String(verdict)))
	}

	if err := s.respond(wire.NewResult(id, result)); err != nil {
		return err
	}
	s.log.Info("answered %s approval %d", a.Kind, id)
	return nil
}

// ApproveCommand answers a command-execution approval.
func (s *Session) ApproveCommand(id int64, approved bool) error {
	return s.RespondApproval(id, Decision{Approved: approved})
}

// ApproveFileChange answers a file-change approval.
func (s *Session) ApproveFileChange(id int64, approved bool) error {
	return s.RespondApproval(id, Decision{Approved: approved})
}

// AnswerUserInput answers a user-input question set.
func (s *Session) AnswerUserInput(id int64, answers map[string]string) error {
	return s.RespondApproval(id, Decision{Answers: answers})
}
