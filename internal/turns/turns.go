// Package turns tracks per-thread turn state, live transcripts, the queue
// of pending human decisions, and completion-event delivery.
package turns

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/agentlink/internal/consts"
	"github.com/codefionn/agentlink/internal/logger"
)

// Phase is the streaming phase of an active turn.
type Phase string

const (
	// PhaseThinking is set when a turn starts, before any content arrives
	PhaseThinking Phase = "thinking"
	// PhaseResponding is set once streamed content arrives
	PhaseResponding Phase = "responding"
)

// CompletionEvent is published exactly once when a turn completes.
type CompletionEvent struct {
	ThreadID string
	Status   string
	Preview  string
}

// ErrApprovalNotFound is returned when a decision targets an approval that
// was already answered or never queued.
var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalKind tags what the server is asking the human to decide.
type ApprovalKind int

const (
	// KindUnknown is any server request method the engine does not know
	KindUnknown ApprovalKind = iota
	// KindCommand asks whether a command may be executed
	KindCommand
	// KindFileChange asks whether a file change may be applied
	KindFileChange
	// KindUserInput asks the human one or more free-form questions
	KindUserInput
)

func (k ApprovalKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindFileChange:
		return "file-change"
	case KindUserInput:
		return "user-input"
	default:
		return "unknown"
	}
}

// Question is one entry of a user-input question set.
type Question struct {
	ID      string
	Prompt  string
	Options []string
}

// Approval is one queued server-initiated decision request.
type Approval struct {
	ID       int64
	Method   string
	ThreadID string
	TurnID   string
	ItemID   string
	Kind     ApprovalKind

	// Command approvals
	Command string
	Cwd     string
	Reason  string

	// User-input requests
	Questions []Question

	Received time.Time
}

type threadState struct {
	transcript  strings.Builder
	activeTurn  string
	phase       Phase
	snapshotLen int
	hasSnapshot bool
}

// Tracker owns turn, transcript, and approval state for one session.
type Tracker struct {
	mu         sync.Mutex
	threads    map[string]*threadState
	approvals  []Approval
	subs       map[string]func(CompletionEvent)
	previewCap int
	log        *logger.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Global()
	}
	return &Tracker{
		threads:    make(map[string]*threadState),
		subs:       make(map[string]func(CompletionEvent)),
		previewCap: consts.PreviewRuneCap,
		log:        log.WithPrefix("turns"),
	}
}

func (t *Tracker) thread(id string) *threadState {
	ts, ok := t.threads[id]
	if !ok {
		ts = &threadState{}
		t.threads[id] = ts
	}
	return ts
}

// StartTurn records the new active turn, sets phase thinking, and snapshots
// the transcript so completion can compute the response delta.
func (t *Tracker) StartTurn(threadID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.thread(threadID)
	ts.activeTurn = turnID
	ts.phase = PhaseThinking
	ts.snapshotLen = ts.transcript.Len()
	ts.hasSnapshot = true
}

// AppendDelta appends streamed content to the thread transcript and flips
// the phase to responding.
func (t *Tracker) AppendDelta(threadID, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.thread(threadID)
	ts.transcript.WriteString(delta)
	if ts.activeTurn != "" {
		ts.phase = PhaseResponding
	}
}

// AppendLocalEcho appends locally-originated text (the user's own input)
// so optimistic UI updates merge with subsequent server deltas.
func (t *Tracker) AppendLocalEcho(threadID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.thread(threadID)
	ts.transcript.WriteString(text)
	// Local echo moves the snapshot so the user's own text never appears
	// in the completion preview of a turn that has not produced output.
	if ts.hasSnapshot && ts.phase == PhaseThinking {
		ts.snapshotLen = ts.transcript.Len()
	}
}

// CompleteTurn clears the active turn, discards the snapshot, and publishes
// one completion event carrying the bounded trailing delta.
func (t *Tracker) CompleteTurn(threadID, turnID, status string) {
	t.mu.Lock()

	ts := t.thread(threadID)
	if ts.activeTurn != "" && turnID != "" && ts.activeTurn != turnID {
		t.mu.Unlock()
		t.log.Debug("completion for inactive turn %s on thread %s ignored", turnID, threadID)
		return
	}

	preview := ""
	if ts.hasSnapshot {
		preview = ts.transcript.String()[ts.snapshotLen:]
	}
	preview = boundPreview(preview, t.previewCap)

	ts.activeTurn = ""
	ts.phase = ""
	ts.snapshotLen = 0
	ts.hasSnapshot = false

	subs := make([]func(CompletionEvent), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	ev := CompletionEvent{ThreadID: threadID, Status: status, Preview: preview}
	for _, fn := range subs {
		go fn(ev)
	}
}

// InterruptTurn clears the targeted turn without emitting a completion
// event. Other turns are untouched.
func (t *Tracker) InterruptTurn(threadID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.thread(threadID)
	if turnID != "" && ts.activeTurn != turnID {
		return
	}
	ts.activeTurn = ""
	ts.phase = ""
	ts.snapshotLen = 0
	ts.hasSnapshot = false
}

// ActiveTurn returns the active turn and phase for a thread.
func (t *Tracker) ActiveTurn(threadID string) (string, Phase, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.threads[threadID]
	if !ok || ts.activeTurn == "" {
		return "", "", false
	}
	return ts.activeTurn, ts.phase, true
}

// Transcript returns the accumulated transcript for a thread.
func (t *Tracker) Transcript(threadID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.threads[threadID]
	if !ok {
		return ""
	}
	return ts.transcript.String()
}

// ClearTranscript resets a thread's transcript and snapshot.
func (t *Tracker) ClearTranscript(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.threads[threadID]
	if !ok {
		return
	}
	ts.transcript.Reset()
	ts.snapshotLen = 0
}

// PushApproval queues a server-initiated decision request, FIFO.
func (t *Tracker) PushApproval(a Approval) {
	if a.Received.IsZero() {
		a.Received = time.Now()
	}
	t.mu.Lock()
	t.approvals = append(t.approvals, a)
	t.mu.Unlock()
	t.log.Info("queued %s approval %d (thread=%s)", a.Kind, a.ID, a.ThreadID)
}

// Approvals returns the pending decisions in arrival order.
func (t *Tracker) Approvals() []Approval {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Approval(nil), t.approvals...)
}

// TakeApproval removes exactly the matching entry. A second decision for
// the same id fails with ErrApprovalNotFound rather than answering twice.
func (t *Tracker) TakeApproval(id int64) (Approval, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, a := range t.approvals {
		if a.ID == id {
			t.approvals = append(t.approvals[:i], t.approvals[i+1:]...)
			return a, nil
		}
	}
	return Approval{}, ErrApprovalNotFound
}

// DropApprovals discards every queued decision without answering it. Used
// when the connection that issued the correlation ids is gone; transcripts
// and turn state are untouched.
func (t *Tracker) DropApprovals() {
	t.mu.Lock()
	dropped := len(t.approvals)
	t.approvals = nil
	t.mu.Unlock()

	if dropped > 0 {
		t.log.Info("dropped %d approvals from lost connection", dropped)
	}
}

// Subscribe registers a completion-event subscriber and returns its token.
// Events are delivered asynchronously; a slow subscriber never blocks the
// engine.
func (t *Tracker) Subscribe(fn func(CompletionEvent)) string {
	token := uuid.New().String()
	t.mu.Lock()
	t.subs[token] = fn
	t.mu.Unlock()
	return token
}

// Unsubscribe removes a subscriber.
func (t *Tracker) Unsubscribe(token string) {
	t.mu.Lock()
	delete(t.subs, token)
	t.mu.Unlock()
}

// Reset drops all turn, transcript, and approval state. Unanswered
// approvals are dropped without notifying the remote side.
func (t *Tracker) Reset() {
	t.mu.Lock()
	dropped := len(t.approvals)
	t.threads = make(map[string]*threadState)
	t.approvals = nil
	t.mu.Unlock()

	if dropped > 0 {
		t.log.Debug("dropped %d unanswered approvals on teardown", dropped)
	}
}

// boundPreview trims whitespace and caps the preview to max runes.
func boundPreview(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
