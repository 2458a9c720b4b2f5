// Package refine runs the bounded critique loop that improves one stage's
// draft output: process, analyze, fix and score until the gate trips, then
// synthesize a final answer.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
)

const (
	DefaultMaxIterations = 2
	DefaultMinConfidence = 0.8

	contextImprovements = 5
)

type Options struct {
	MaxIterations int
	MinConfidence float64
	Store         SessionStore
	Logger        *slog.Logger
}

type Engine struct {
	prompts *prompt.Catalog
	gate    Gate
	store   SessionStore
	log     *slog.Logger
	newID   func() string
}

func New(prompts *prompt.Catalog, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MinConfidence <= 0 || opts.MinConfidence > 1 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		prompts: prompts,
		gate:    Gate{MaxIterations: opts.MaxIterations, MinConfidence: opts.MinConfidence},
		store:   opts.Store,
		log:     opts.Logger,
		newID:   uuid.NewString,
	}
}

type Result struct {
	Output       string
	Iterations   int
	Confidence   float64
	Improvements []string
	// Degraded is set when a node failed and Output is the best draft.
	Degraded bool
}

// Run refines input with model. Node failures degrade to the latest draft;
// only a run that produced no draft at all returns an error.
func (e *Engine) Run(ctx context.Context, model llm.Completer, mode prompt.Mode, input string) (Result, error) {
	agent, err := e.prompts.Agent(mode)
	if err != nil {
		return Result{}, apperr.Handler("refine", err)
	}

	s := &Session{
		ID:      e.newID(),
		Mode:    mode,
		Input:   input,
		History: []llm.Message{llm.User(input)},
		Sender:  "user",
	}
	log := e.log.With("session_id", s.ID, "mode", string(mode))
	start := time.Now()

	if err := e.store.Save(ctx, s); err != nil {
		log.Warn("[refine] save session", "error", err)
	}
	defer func() {
		if err := e.store.Delete(context.WithoutCancel(ctx), s.ID); err != nil {
			log.Warn("[refine] delete session", "error", err)
		}
	}()

	var final string
	state := Process
	for state != End {
		out, err := e.step(ctx, model, agent, s, state)
		if err != nil {
			return e.degrade(ctx, log, s, state, err)
		}
		if state == Synthesize {
			final = out
		}
		s.Sender = state.String()
		if err := e.store.Save(ctx, s); err != nil {
			log.Warn("[refine] save session", "error", err)
		}
		state = e.gate.next(state, s.observe())
	}

	log.Info("[refine] done",
		"iterations", s.Iterations,
		"confidence", s.Confidence,
		"improvements", len(s.Improvements),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{
		Output:       final,
		Iterations:   s.Iterations,
		Confidence:   s.Confidence,
		Improvements: s.Improvements,
	}, nil
}

func (e *Engine) degrade(ctx context.Context, log *slog.Logger, s *Session, state State, err error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if len(s.Drafts) == 0 {
		log.Error("[refine] no draft produced", "state", state.String(), "error", err)
		return Result{}, apperr.Handler("refine produced no draft", err)
	}
	log.Warn("[refine] node failed, using best draft", "state", state.String(), "error", err)
	return Result{
		Output:       s.latest(),
		Iterations:   s.Iterations,
		Confidence:   s.Confidence,
		Improvements: s.Improvements,
		Degraded:     true,
	}, nil
}

func (e *Engine) step(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session, state State) (string, error) {
	switch state {
	case Process:
		return "", e.process(ctx, model, agent, s)
	case Analyze:
		return "", e.analyze(ctx, model, agent, s)
	case Fix:
		return "", e.fix(ctx, model, agent, s)
	case Score:
		return "", e.score(ctx, model, agent, s)
	case Synthesize:
		return e.synthesize(ctx, model, agent, s)
	}
	return "", fmt.Errorf("refine: unexpected state %s", state)
}

func temp(v float64) *float64 { return &v }

func complete(ctx context.Context, model llm.Completer, t float64, system, user string) (string, error) {
	out, err := model.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{llm.System(system), llm.User(user)},
		Temperature: temp(t),
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty model response")
	}
	return out, nil
}

func (e *Engine) process(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session) error {
	guidance := fmt.Sprintf("Previous reflections identified these issues to fix:\n%s\n\nImprovements already made:\n%s\n\nAddress the pending issues while keeping previous improvements.",
		strings.Join(s.PendingFixes, "\n"),
		strings.Join(lastN(s.Improvements, contextImprovements), "\n"),
	)
	msgs := []llm.Message{llm.System(agent.System), llm.System(guidance), llm.User(s.Input)}
	if len(s.Drafts) > 0 {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: s.latest()},
			llm.User("Improve the previous answer."),
		)
	}

	out, err := model.Complete(ctx, llm.CompletionRequest{Messages: msgs})
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	s.Iterations++
	if out = strings.TrimSpace(out); out == "" {
		return errors.New("process: empty model response")
	}
	s.addDraft(out)
	return nil
}

func (e *Engine) analyze(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session) error {
	current := s.latest()

	analysis, err := complete(ctx, model, 0.2, agent.Analysis, fmt.Sprintf(
		"Current output to analyze:\n%s\n\nPrevious improvements made:\n%s",
		current, strings.Join(s.Improvements, "\n")))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	check, err := complete(ctx, model, 0.1, agent.AnalysisCheck, fmt.Sprintf(
		"Previous analysis:\n%s\n\nOriginal content:\n%s", analysis, current))
	if err != nil {
		return fmt.Errorf("analyze check: %w", err)
	}

	issues, improvements := parseFindings(analysis, check)
	s.Improvements, s.PendingFixes = mergeFindings(s.Improvements, s.PendingFixes, issues, improvements)
	return nil
}

func (e *Engine) fix(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session) error {
	if len(s.PendingFixes) == 0 {
		return nil
	}
	current := s.latest()
	issues := strings.Join(s.PendingFixes, "\n")

	fixed, err := complete(ctx, model, 0.2, agent.Fix, fmt.Sprintf(
		"Content to fix:\n%s\n\nIssues to address:\n%s", current, issues))
	if err != nil {
		return fmt.Errorf("fix: %w", err)
	}

	verdict, err := complete(ctx, model, 0.1, agent.FixCheck, fmt.Sprintf(
		"Original content:\n%s\n\nApplied fixes:\n%s\n\nOriginal issues:\n%s", current, fixed, issues))
	if err != nil {
		e.log.Warn("[refine] fix verification failed", "session_id", s.ID, "error", err)
	} else {
		e.log.Debug("[refine] fix verification", "session_id", s.ID, "fixes", len(s.PendingFixes), "verdict", verdict)
	}

	s.addDraft(fixed)
	s.PendingFixes = nil
	return nil
}

func (e *Engine) score(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session) error {
	raw, err := model.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{llm.System(agent.Confidence), llm.User("Output to score:\n" + s.latest())},
		Temperature: temp(0),
	})
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	s.Confidence = parseScore(raw)
	return nil
}

func (e *Engine) synthesize(ctx context.Context, model llm.Completer, agent prompt.Agent, s *Session) (string, error) {
	var b strings.Builder
	b.WriteString("Previous drafts:\n")
	for i, d := range s.Drafts {
		fmt.Fprintf(&b, "--- draft %d ---\n%s\n", i+1, d)
	}
	b.WriteString("\nKey improvements:\n")
	b.WriteString(strings.Join(lastN(s.Improvements, contextImprovements), "\n"))

	out, err := complete(ctx, model, 0, agent.Synthesis, b.String())
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	out = stripFinalAnswer(out)
	s.addDraft(out)
	return out, nil
}
