package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-compiler/internal/audit"
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/common/metrics"
	"fleet-compiler/internal/common/observability"
	"fleet-compiler/internal/email"
	"fleet-compiler/internal/models"
	"fleet-compiler/internal/nlp"
)

type IntentClassifier interface {
	Classify(ctx context.Context, text string) (models.Intent, error)
}

type EntityExtractor interface {
	Extract(ctx context.Context, text string, intent models.Intent) (models.EntityBag, error)
}

type RiskAssessor interface {
	Reason(ctx context.Context, snap nlp.Snapshot) (models.ReasoningResult, error)
}

type TemplateSelector interface {
	SelectResolved(intent string) (*models.Template, error)
}

type Generator interface {
	Generate(t *models.Template, bag models.EntityBag) (*models.GeneratedRequest, error)
}

type Validator interface {
	Validate(ctx context.Context, req *models.GeneratedRequest, tmpl *models.Template) *models.ValidationResult
}

type Executor interface {
	Do(ctx context.Context, method, path string, body map[string]interface{}) (map[string]interface{}, error)
}

// ApprovalHandoff receives interpretations that need a human decision.
type ApprovalHandoff interface {
	Submit(ctx context.Context, interp *models.Interpretation) error
}

type Deps struct {
	Classifier IntentClassifier
	Extractor  EntityExtractor
	Reasoner   RiskAssessor
	Templates  TemplateSelector
	Generator  Generator
	Validator  Validator
	Executor   Executor
	Approvals  ApprovalHandoff
	Recorder   audit.Recorder
	Obs        *observability.Observability
}

type Config struct {
	ConfidenceThreshold float64
	AutoApprove         bool
	ExecTimeout         time.Duration
	Now                 func() time.Time
}

// Compiler runs each request through its own state machine. It holds no
// per-request state, so concurrent Compile calls never observe each other.
type Compiler struct {
	deps   Deps
	config Config
	logger logger.Logger
}

func New(deps Deps, config Config, log logger.Logger) *Compiler {
	if deps.Recorder == nil {
		deps.Recorder = audit.NewMemoryRecorder()
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Compiler{deps: deps, config: config, logger: logger.Component(log, "compiler")}
}

type Request struct {
	Text      string        `json:"text"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Source    models.Source `json:"-"`
}

type EmailRequest struct {
	Raw       string `json:"raw"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type Result struct {
	Interpretation *models.Interpretation   `json:"interpretation"`
	State          State                    `json:"state"`
	Outcome        State                    `json:"outcome,omitempty"`
	History        []State                  `json:"history"`
	Response       map[string]interface{}   `json:"response,omitempty"`
	Error          *apperrors.StandardError `json:"error,omitempty"`
}

// CompileEmail normalizes a raw email into command text and compiles it.
func (c *Compiler) CompileEmail(ctx context.Context, req EmailRequest) (*Result, error) {
	text, err := email.Normalize(req.Raw)
	if err != nil {
		stdErr := apperrors.NewInvalidInputError(err.Error())
		return c.rejectInput(req.SessionID, req.UserID, models.SourceEmail, req.Raw, stdErr), stdErr
	}
	return c.Compile(ctx, Request{Text: text, SessionID: req.SessionID, UserID: req.UserID, Source: models.SourceEmail})
}

// Compile takes one request from received to completed or failed. The
// returned error is the stage-tagged failure, also carried in Result.Error.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" {
		req.Source = models.SourceCommand
	}
	if strings.TrimSpace(req.Text) == "" {
		stdErr := apperrors.NewInvalidInputError("request text is empty")
		return c.rejectInput(req.SessionID, req.UserID, req.Source, req.Text, stdErr), stdErr
	}

	started := c.config.Now()
	metrics.CompileRequestsActive.WithLabelValues(string(req.Source)).Inc()
	defer metrics.CompileRequestsActive.WithLabelValues(string(req.Source)).Dec()

	interp := c.newInterpretation(req.SessionID, req.UserID, req.Source, strings.TrimSpace(req.Text))
	r := &run{
		c:      c,
		m:      newMachine(),
		interp: interp,
		logger: c.logger.WithFields(map[string]interface{}{
			"interpretationId": interp.ID,
			"sessionId":        interp.SessionID,
		}),
	}
	r.logger.Info("compile started", map[string]interface{}{"source": string(req.Source)})

	stdErr := r.execute(ctx)
	result := &Result{
		Interpretation: interp,
		State:          r.m.state,
		Outcome:        r.m.outcome(),
		History:        r.m.history,
		Response:       r.response,
		Error:          stdErr,
	}
	c.finish(ctx, result, req.Source, c.config.Now().Sub(started))

	if stdErr != nil {
		return result, stdErr
	}
	return result, nil
}

func (c *Compiler) newInterpretation(sessionID, userID string, source models.Source, text string) *models.Interpretation {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &models.Interpretation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Source:    source,
		Text:      text,
		CreatedAt: c.config.Now().UTC(),
	}
}

func (c *Compiler) rejectInput(sessionID, userID string, source models.Source, text string, stdErr *apperrors.StandardError) *Result {
	m := newMachine()
	_ = m.to(StateFailed)
	c.logger.Warn("request rejected before compilation", map[string]interface{}{"error": stdErr.Error()})
	metrics.CompileRequests.WithLabelValues(string(source), string(StateFailed)).Inc()
	return &Result{
		Interpretation: c.newInterpretation(sessionID, userID, source, text),
		State:          m.state,
		History:        m.history,
		Error:          stdErr,
	}
}

func (c *Compiler) finish(ctx context.Context, result *Result, source models.Source, elapsed time.Duration) {
	interp := result.Interpretation
	label := string(result.Outcome)
	if result.State == StateFailed {
		label = string(StateFailed)
	}
	metrics.CompileRequests.WithLabelValues(string(source), label).Inc()
	c.deps.Obs.RecordCompile(ctx, interp.Intent.Label, label, elapsed)

	payload := map[string]interface{}{
		"state":      string(result.State),
		"outcome":    string(result.Outcome),
		"history":    result.History,
		"intent":     interp.Intent.Label,
		"confidence": interp.Confidence,
		"source":     string(source),
		"durationMs": elapsed.Milliseconds(),
	}
	if interp.Template != nil {
		payload["templateId"] = interp.Template.ID
	}
	if result.Error != nil {
		payload["errorCode"] = string(result.Error.Code)
		payload["stage"] = string(result.Error.Stage)
		payload["error"] = result.Error.Error()
	}
	if err := c.deps.Recorder.Record(context.WithoutCancel(ctx), audit.Event{
		Type:             audit.EventInterpretationCompleted,
		InterpretationID: interp.ID,
		SessionID:        interp.SessionID,
		UserID:           interp.UserID,
		Payload:          payload,
	}); err != nil {
		c.logger.Error("audit record failed", map[string]interface{}{"interpretationId": interp.ID, "error": err.Error()})
	}
}

// run is the state of one request.
type run struct {
	c        *Compiler
	m        *machine
	interp   *models.Interpretation
	response map[string]interface{}
	logger   logger.Logger
}

// fail moves the request to failed and returns err tagged with stage.
func (r *run) fail(stage apperrors.Stage, err error) *apperrors.StandardError {
	stdErr := apperrors.WithStage(err, stage)
	metrics.StageFailures.WithLabelValues(string(stage), string(stdErr.Code)).Inc()
	if moveErr := r.m.to(StateFailed); moveErr != nil {
		r.logger.Error("state machine rejected failure transition", map[string]interface{}{"error": moveErr.Error()})
	}
	r.logger.Warn("compile failed", map[string]interface{}{
		"stage":     string(stage),
		"errorCode": string(stdErr.Code),
		"error":     stdErr.Error(),
		"history":   r.m.history,
	})
	return stdErr
}

func (r *run) advance(stage apperrors.Stage, next State) *apperrors.StandardError {
	if err := r.m.to(next); err != nil {
		return r.fail(stage, err)
	}
	return nil
}

// stage runs fn after checking for cancellation, timing it under label.
func (r *run) stage(ctx context.Context, stage apperrors.Stage, label string, fn func() error) *apperrors.StandardError {
	if err := ctx.Err(); err != nil {
		return r.fail(stage, apperrors.NewRequestCancelledError(err))
	}
	started := time.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	if err != nil {
		return r.fail(stage, err)
	}
	return nil
}

func (r *run) execute(ctx context.Context) *apperrors.StandardError {
	d := r.c.deps
	interp := r.interp

	if err := r.advance(apperrors.StageIntent, StateClassifying); err != nil {
		return err
	}
	if err := r.stage(ctx, apperrors.StageIntent, "intent", func() error {
		intent, err := d.Classifier.Classify(ctx, interp.Text)
		interp.Intent = intent
		return err
	}); err != nil {
		return err
	}

	if err := r.advance(apperrors.StageEntity, StateExtracting); err != nil {
		return err
	}
	if err := r.stage(ctx, apperrors.StageEntity, "entity", func() error {
		bag, err := d.Extractor.Extract(ctx, interp.Text, interp.Intent)
		interp.Entities = bag
		return err
	}); err != nil {
		return err
	}

	if err := r.advance(apperrors.StageReasoning, StateReasoning); err != nil {
		return err
	}
	if err := r.stage(ctx, apperrors.StageReasoning, "reasoning", func() error {
		res, err := d.Reasoner.Reason(ctx, nlp.NewSnapshot(interp.Text, interp.Intent, interp.Entities))
		interp.Reasoning = res
		return err
	}); err != nil {
		return err
	}
	interp.Confidence = models.AggregateConfidence(interp.Intent.Confidence, interp.Entities.Confidence, interp.Reasoning.Confidence)

	if err := r.stage(ctx, apperrors.StageTemplate, "template", func() error {
		tmpl, err := d.Templates.SelectResolved(interp.Intent.Label)
		interp.Template = tmpl
		return err
	}); err != nil {
		return err
	}
	if err := r.advance(apperrors.StageTemplate, StateTemplateSelected); err != nil {
		return err
	}

	if err := r.stage(ctx, apperrors.StageGeneration, "generation", func() error {
		req, err := d.Generator.Generate(interp.Template, interp.Entities)
		interp.Request = req
		return err
	}); err != nil {
		return err
	}
	if err := r.advance(apperrors.StageGeneration, StateGenerated); err != nil {
		return err
	}

	if err := r.stage(ctx, apperrors.StageValidation, "validation", func() error {
		interp.Validation = d.Validator.Validate(ctx, interp.Request, interp.Template)
		return interp.Validation.Err()
	}); err != nil {
		return err
	}
	if err := r.advance(apperrors.StageValidation, StateValidated); err != nil {
		return err
	}

	r.logger.Info("request validated", map[string]interface{}{
		"intent":         interp.Intent.Label,
		"templateId":     interp.Template.ID,
		"confidence":     interp.Confidence,
		"recommendation": string(interp.Reasoning.Recommendation),
		"warnings":       len(interp.Validation.Warnings),
	})
	return r.route(ctx)
}

// route picks the outcome of a validated request.
func (r *run) route(ctx context.Context) *apperrors.StandardError {
	d := r.c.deps
	interp := r.interp
	rec := interp.Reasoning.Recommendation

	switch {
	case rec == models.RecommendReject:
		if err := r.advance(apperrors.StageReasoning, StateRejectedByValidation); err != nil {
			return err
		}
		r.logger.Info("request rejected by risk assessment", map[string]interface{}{
			"riskLevel":  string(interp.Reasoning.RiskLevel),
			"conclusion": interp.Reasoning.Conclusion,
		})

	case r.c.config.AutoApprove && rec == models.RecommendProceed && interp.Confidence >= r.c.config.ConfidenceThreshold:
		if err := r.advance(apperrors.StageAPIExecution, StateAutoExecuted); err != nil {
			return err
		}
		if err := r.stage(ctx, apperrors.StageAPIExecution, "execution", func() error {
			return r.executeRequest(ctx)
		}); err != nil {
			return err
		}

	default:
		if err := r.advance(apperrors.StageValidation, StatePendingApproval); err != nil {
			return err
		}
		if d.Approvals != nil {
			if err := d.Approvals.Submit(ctx, interp); err != nil {
				return r.fail("", fmt.Errorf("hand off to approval: %w", err))
			}
		}
		r.logger.Info("request awaiting approval", map[string]interface{}{"confidence": interp.Confidence})
	}

	return r.advance("", StateCompleted)
}

func (r *run) executeRequest(ctx context.Context) error {
	req := r.interp.Request
	callCtx, cancel := context.WithTimeout(ctx, r.c.config.ExecTimeout)
	defer cancel()

	started := time.Now()
	resp, err := r.c.deps.Executor.Do(callCtx, req.Method, req.Endpoint, req.Body)
	status := "success"
	if err != nil {
		status = "error"
	}
	r.c.deps.Obs.RecordExecution(ctx, status, time.Since(started))

	payload := map[string]interface{}{"method": req.Method, "endpoint": req.Endpoint, "status": status, "auto": true}
	if err != nil {
		payload["error"] = err.Error()
	}
	if recErr := r.c.deps.Recorder.Record(context.WithoutCancel(ctx), audit.Event{
		Type:             audit.EventExecutionResult,
		InterpretationID: r.interp.ID,
		SessionID:        r.interp.SessionID,
		UserID:           r.interp.UserID,
		Payload:          payload,
	}); recErr != nil {
		r.logger.Error("audit record failed", map[string]interface{}{"error": recErr.Error()})
	}

	if err != nil {
		return apperrors.NewAPIExecutionError(err)
	}
	r.response = resp
	r.logger.Info("request auto-executed", map[string]interface{}{"endpoint": req.Endpoint})
	return nil
}
