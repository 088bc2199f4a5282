package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-compiler/internal/audit"
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/common/metrics"
	"fleet-compiler/internal/models"
)

type State string

const (
	StateIdle              State = "idle"
	StateLoaded            State = "loaded"
	StateAwaitingDecision  State = "awaiting_decision"
	StateApprovedExecuting State = "approved_executing"
	StateRejected          State = "rejected"
	StateEditing           State = "editing"
)

// Load may replace whatever a session holds, so every state reaches loaded.
var transitions = map[State][]State{
	StateIdle:              {StateLoaded},
	StateLoaded:            {StateLoaded, StateAwaitingDecision},
	StateAwaitingDecision:  {StateLoaded, StateApprovedExecuting, StateRejected, StateEditing},
	StateEditing:           {StateAwaitingDecision, StateApprovedExecuting},
	StateApprovedExecuting: {StateLoaded},
	StateRejected:          {StateLoaded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Generator interface {
	Generate(t *models.Template, bag models.EntityBag) (*models.GeneratedRequest, error)
}

type Validator interface {
	Validate(ctx context.Context, req *models.GeneratedRequest, tmpl *models.Template) *models.ValidationResult
}

// Executor sends the generated request to the fleet API.
type Executor interface {
	Do(ctx context.Context, method, path string, body map[string]interface{}) (map[string]interface{}, error)
}

type Notifier interface {
	NotifyPending(ctx context.Context, interp *models.Interpretation) error
}

type Config struct {
	// ExecTimeout bounds the fleet API call after approval.
	ExecTimeout time.Duration
	Now         func() time.Time
}

type Deps struct {
	Generator Generator
	Validator Validator
	Executor  Executor
	Recorder  audit.Recorder
	Notifier  Notifier
}

type session struct {
	mu        sync.Mutex
	id        string
	state     State
	interp    *models.Interpretation
	decisions []models.ApprovalDecision
	updatedAt time.Time
}

// SessionView is a read-only snapshot of a session.
type SessionView struct {
	SessionID      string                    `json:"session_id"`
	State          State                     `json:"state"`
	Interpretation *models.Interpretation    `json:"interpretation,omitempty"`
	Decisions      []models.ApprovalDecision `json:"decisions"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// DecisionInput is what the approval surface submits.
type DecisionInput struct {
	InterpretationID string                 `json:"interpretation_id"`
	Kind             models.DecisionKind    `json:"kind"`
	Reason           string                 `json:"reason,omitempty"`
	EditedFields     map[string]interface{} `json:"edited_fields,omitempty"`
	UserID           string                 `json:"user_id"`
}

// Outcome reports where a decision left the session.
type Outcome struct {
	SessionID      string                  `json:"session_id"`
	State          State                   `json:"state"`
	Decision       models.ApprovalDecision `json:"decision"`
	Interpretation *models.Interpretation  `json:"interpretation"`
	Response       map[string]interface{}  `json:"response,omitempty"`
	Executed       bool                    `json:"executed"`
}

// Gate holds at most one pending interpretation per session. Sessions are
// independent; a decision on one never blocks another.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]*session

	deps   Deps
	config Config
	logger logger.Logger
}

func NewGate(deps Deps, config Config, log logger.Logger) *Gate {
	if deps.Recorder == nil {
		deps.Recorder = audit.NewMemoryRecorder()
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Gate{
		sessions: make(map[string]*session),
		deps:     deps,
		config:   config,
		logger:   logger.Component(log, "approval"),
	}
}

func (g *Gate) session(id string, create bool) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok && create {
		s = &session{id: id, state: StateIdle}
		g.sessions[id] = s
	}
	return s
}

func (s *session) move(to State, now time.Time) error {
	if !canTransition(s.state, to) {
		return apperrors.NewApprovalStateError(fmt.Sprintf("session %s: %s -> %s", s.id, s.state, to))
	}
	if s.state == StateAwaitingDecision && to != StateAwaitingDecision {
		metrics.ApprovalsPending.Dec()
	}
	if to == StateAwaitingDecision && s.state != StateAwaitingDecision {
		metrics.ApprovalsPending.Inc()
	}
	s.state = to
	s.updatedAt = now
	return nil
}

// Load places interp in its session, replacing any stale pending one.
func (g *Gate) Load(ctx context.Context, interp *models.Interpretation) error {
	if interp == nil || interp.SessionID == "" {
		return apperrors.NewApprovalStateError("interpretation must carry a session id")
	}
	if !interp.Executable() {
		return apperrors.NewApprovalStateError(fmt.Sprintf("interpretation %s has no validated request", interp.ID))
	}

	s := g.session(interp.SessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interp != nil && s.state == StateAwaitingDecision {
		g.logger.Info("replacing stale pending interpretation", map[string]interface{}{
			"sessionId":        s.id,
			"interpretationId": s.interp.ID,
			"replacedBy":       interp.ID,
		})
	}
	if err := s.move(StateLoaded, g.config.Now()); err != nil {
		return err
	}
	s.interp = interp
	s.decisions = nil
	return nil
}

// Present hands the loaded interpretation to the approval surface and waits
// for a decision. It notifies subscribers once per interpretation.
func (g *Gate) Present(ctx context.Context, sessionID string) (*models.Interpretation, error) {
	s := g.session(sessionID, false)
	if s == nil {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("no interpretation loaded for session %s", sessionID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAwaitingDecision {
		return s.interp, nil
	}
	if err := s.move(StateAwaitingDecision, g.config.Now()); err != nil {
		return nil, err
	}
	g.announce(ctx, s.interp)
	return s.interp, nil
}

// Submit is Load followed by Present.
func (g *Gate) Submit(ctx context.Context, interp *models.Interpretation) error {
	if err := g.Load(ctx, interp); err != nil {
		return err
	}
	_, err := g.Present(ctx, interp.SessionID)
	return err
}

func (g *Gate) announce(ctx context.Context, interp *models.Interpretation) {
	g.record(ctx, audit.Event{
		Type:             audit.EventApprovalPending,
		InterpretationID: interp.ID,
		SessionID:        interp.SessionID,
		UserID:           interp.UserID,
		Payload: map[string]interface{}{
			"intent":       interp.Intent.Label,
			"confidence":   interp.Confidence,
			"supersedesId": interp.SupersedesID,
		},
	})
	if err := g.deps.Notifier.NotifyPending(ctx, interp); err != nil {
		g.logger.Warn("pending approval notification failed", map[string]interface{}{
			"interpretationId": interp.ID,
			"error":            err.Error(),
		})
	}
}

// Pending returns a snapshot of the session.
func (g *Gate) Pending(sessionID string) (SessionView, bool) {
	s := g.session(sessionID, false)
	if s == nil {
		return SessionView{SessionID: sessionID, State: StateIdle}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		SessionID:      s.id,
		State:          s.state,
		Interpretation: s.interp,
		Decisions:      append([]models.ApprovalDecision(nil), s.decisions...),
		UpdatedAt:      s.updatedAt,
	}, true
}

// Decide applies one decision to the interpretation awaiting in sessionID.
// An approved request executes as validated. An edited one is regenerated
// and revalidated first; if that fails, the superseding interpretation waits
// for a new decision and the error is returned alongside the outcome.
func (g *Gate) Decide(ctx context.Context, sessionID string, in DecisionInput) (*Outcome, error) {
	if !in.Kind.Valid() {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("unknown decision kind %q", in.Kind))
	}
	if in.Kind == models.DecisionEdited && len(in.EditedFields) == 0 {
		return nil, apperrors.NewApprovalStateError("an edited decision needs edited fields")
	}

	s := g.session(sessionID, false)
	if s == nil {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("no interpretation awaiting a decision for session %s", sessionID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingDecision {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("session %s is %s, not awaiting a decision", sessionID, s.state))
	}
	if in.InterpretationID != "" && in.InterpretationID != s.interp.ID {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("interpretation %s is stale; %s is pending", in.InterpretationID, s.interp.ID))
	}
	if in.Kind == models.DecisionApproved && !s.interp.Executable() {
		return nil, apperrors.NewApprovalStateError(fmt.Sprintf("interpretation %s failed validation; edit or reject it", s.interp.ID))
	}

	decision := models.ApprovalDecision{
		ID:               uuid.NewString(),
		InterpretationID: s.interp.ID,
		Kind:             in.Kind,
		Reason:           in.Reason,
		EditedFields:     in.EditedFields,
		UserID:           in.UserID,
		DecidedAt:        g.config.Now().UTC(),
	}
	s.decisions = append(s.decisions, decision)
	metrics.ApprovalDecisions.WithLabelValues(string(in.Kind)).Inc()
	g.record(ctx, audit.Event{
		Type:             audit.EventApprovalDecision,
		InterpretationID: decision.InterpretationID,
		SessionID:        sessionID,
		UserID:           decision.UserID,
		Payload: map[string]interface{}{
			"decisionId":   decision.ID,
			"kind":         string(decision.Kind),
			"reason":       decision.Reason,
			"editedFields": decision.EditedFields,
		},
	})

	log := g.logger.WithFields(map[string]interface{}{
		"sessionId":        sessionID,
		"interpretationId": s.interp.ID,
		"decision":         string(in.Kind),
	})
	out := &Outcome{SessionID: sessionID, Decision: decision, Interpretation: s.interp}

	switch in.Kind {
	case models.DecisionRejected:
		if err := s.move(StateRejected, g.config.Now()); err != nil {
			return nil, err
		}
		out.State = s.state
		log.Info("interpretation rejected", map[string]interface{}{"reason": in.Reason})
		return out, nil

	case models.DecisionEdited:
		if err := s.move(StateEditing, g.config.Now()); err != nil {
			return nil, err
		}
		next, err := g.revise(ctx, s.interp, in)
		if next != nil {
			s.interp = next
			out.Interpretation = next
		}
		if err != nil {
			if moveErr := s.move(StateAwaitingDecision, g.config.Now()); moveErr != nil {
				return nil, moveErr
			}
			out.State = s.state
			log.Info("edited request failed revalidation", map[string]interface{}{"error": err.Error()})
			if next != nil {
				g.announce(ctx, next)
			}
			return out, err
		}
	}

	if err := s.move(StateApprovedExecuting, g.config.Now()); err != nil {
		return nil, err
	}
	out.State = s.state
	resp, err := g.execute(ctx, s.interp)
	out.Response = resp
	out.Executed = err == nil
	if err != nil {
		log.Error("execution failed after approval", map[string]interface{}{"error": err.Error()})
		return out, err
	}
	log.Info("approved request executed", nil)
	return out, nil
}

// revise builds the superseding interpretation for an edit. It never
// returns an executable interpretation that skipped validation.
func (g *Gate) revise(ctx context.Context, prev *models.Interpretation, in DecisionInput) (*models.Interpretation, error) {
	if prev.Template == nil {
		return nil, apperrors.WithStage(apperrors.NewGenerationFailedError("interpretation has no template", nil), apperrors.StageGeneration)
	}

	next := *prev
	next.ID = uuid.NewString()
	next.SupersedesID = prev.ID
	next.CreatedAt = g.config.Now().UTC()
	next.Entities = prev.Entities.WithOverrides(in.EditedFields)
	next.Validation = nil

	req, err := g.deps.Generator.Generate(prev.Template, next.Entities)
	next.Request = req
	if err != nil {
		return &next, apperrors.WithStage(err, apperrors.StageGeneration)
	}

	next.Validation = g.deps.Validator.Validate(ctx, req, prev.Template)
	if err := next.Validation.Err(); err != nil {
		return &next, apperrors.WithStage(err, apperrors.StageValidation)
	}
	return &next, nil
}

func (g *Gate) execute(ctx context.Context, interp *models.Interpretation) (map[string]interface{}, error) {
	if !interp.Executable() {
		return nil, apperrors.NewAPIExecutionError(fmt.Errorf("interpretation %s has no validated request", interp.ID))
	}
	callCtx, cancel := context.WithTimeout(ctx, g.config.ExecTimeout)
	defer cancel()

	req := interp.Request
	resp, err := g.deps.Executor.Do(callCtx, req.Method, req.Endpoint, req.Body)

	payload := map[string]interface{}{
		"method":   req.Method,
		"endpoint": req.Endpoint,
		"status":   "success",
	}
	if err != nil {
		payload["status"] = "error"
		payload["error"] = err.Error()
	}
	g.record(ctx, audit.Event{
		Type:             audit.EventExecutionResult,
		InterpretationID: interp.ID,
		SessionID:        interp.SessionID,
		UserID:           interp.UserID,
		Payload:          payload,
	})
	if err != nil {
		return nil, apperrors.NewAPIExecutionError(err)
	}
	return resp, nil
}

func (g *Gate) record(ctx context.Context, e audit.Event) {
	if err := g.deps.Recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		g.logger.Error("audit record failed", map[string]interface{}{
			"eventType":        string(e.Type),
			"interpretationId": e.InterpretationID,
			"error":            err.Error(),
		})
	}
}
