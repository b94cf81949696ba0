package orchestrator

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conductor/internal/decision"
	"github.com/ShayCichocki/conductor/internal/escalation"
	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/internal/workspace"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const dbQuestion = "Which database engine backs the storage layer?"

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) byKind(k notify.Kind) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// staticGenerator answers every prompt with the same text.
type staticGenerator struct {
	text  string
	calls atomic.Int32
}

func (g *staticGenerator) Generate(context.Context, string, float64) (decision.Generation, error) {
	g.calls.Add(1)
	return decision.Generation{Text: g.text}, nil
}

type harness struct {
	t      *testing.T
	dir    string
	db     *state.DB
	escs   *escalation.Store
	coord  *escalation.Coordinator
	sink   *recordingSink
	engine *Engine
	once   sync.Once
}

func openHarness(t *testing.T, dir string, cfg Config, decider Decider, reg *Registry, opts ...Option) *harness {
	t.Helper()

	db, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	escs, err := escalation.OpenStore(filepath.Join(dir, "escalations"))
	require.NoError(t, err)

	sink := &recordingSink{}
	coord := escalation.NewCoordinator(escs, escalation.WithSink(sink))

	base := []Option{
		WithConfig(cfg),
		WithDecider(decider),
		WithEscalator(coord),
		WithWorkspaces(workspace.NewDirManager(filepath.Join(dir, "workspaces"))),
		WithSink(sink),
	}
	eng, err := New(RequiredConfig{Store: db, Registry: reg}, append(base, opts...)...)
	require.NoError(t, err)
	coord.SetResumer(eng)

	h := &harness{t: t, dir: dir, db: db, escs: escs, coord: coord, sink: sink, engine: eng}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.once.Do(func() {
		h.coord.Close()
		h.engine.Close()
		h.escs.Close()
		h.db.Close()
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.Timeout = 10 * time.Second
	return cfg
}

func knowledgeDecider() *decision.Engine {
	kb := decision.NewKnowledgeBase(2)
	kb.Add(decision.Entry{
		ID:       "storage-engine",
		Question: "Which database engine do we use?",
		Keywords: []string{"database engine", "storage"},
		Answer:   models.StringValue("postgres"),
	})
	return decision.New(decision.DefaultConfig(), decision.WithKnowledgeBase(kb))
}

func generativeDecider(text string) (*decision.Engine, *staticGenerator) {
	gen := &staticGenerator{text: text}
	return decision.New(decision.DefaultConfig(), decision.WithGenerator(gen)), gen
}

// releaseWorkflow is: fetch -> choose (needs a decision) -> publish.
func releaseWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name: "release",
		Steps: []workflow.Step{
			{ID: "fetch", Action: "echo", Inputs: map[string]models.Value{"msg": models.StringValue("hello")}, Outputs: []string{"msg"}},
			{ID: "choose", Action: "choose", Outputs: []string{"choice"}, Dependencies: []string{"fetch"}},
			{ID: "publish", Action: "echo", Inputs: map[string]models.Value{"msg": models.StringValue("${choose.choice}")}, Outputs: []string{"msg"}, Dependencies: []string{"choose"}},
		},
	}
}

func echoStep(_ context.Context, inputs map[string]models.Value, _ RunContext) (StepResult, error) {
	return StepResult{Outputs: inputs}, nil
}

func chooseStep(_ context.Context, _ map[string]models.Value, rc RunContext) (StepResult, error) {
	v, ok := rc.Decision("db")
	if !ok {
		return NeedDecision("db", dbQuestion, map[string]models.Value{"service": models.StringValue("billing")}), nil
	}
	return StepResult{Outputs: map[string]models.Value{"choice": v}}, nil
}

func baseRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterFunc("echo", echoStep)
	reg.RegisterFunc("choose", chooseStep)
	return reg
}

func TestStart_KnowledgeHitCompletesWithoutEscalation(t *testing.T) {
	h := openHarness(t, t.TempDir(), testConfig(), knowledgeDecider(), baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-kb"})
	require.NoError(t, err)

	assert.Equal(t, models.RunComplete, res.Status)
	assert.Equal(t, 0, res.EscalationCount)
	assert.Equal(t, 100.0, res.ProgressPercentage)
	assert.Equal(t, "hello", res.Variables["fetch.msg"].String())
	assert.Equal(t, "postgres", res.Variables["choose.db"].String())
	assert.Equal(t, "postgres", res.Variables["publish.msg"].String())

	stored, err := h.db.GetRun("run-kb")
	require.NoError(t, err)
	require.Len(t, stored.Decisions, 1)
	assert.Equal(t, models.SourceKnowledgeBase, stored.Decisions[0].Source)
	assert.Equal(t, 0.95, stored.Decisions[0].Confidence)
	require.NotNil(t, stored.Workspace)
	assert.NoDirExists(t, stored.Workspace.Path)

	escs, err := h.coord.List(models.EscalationFilter{})
	require.NoError(t, err)
	assert.Empty(t, escs)

	// Checkpoints were written around every step.
	cps, err := h.db.ListCheckpoints("run-kb")
	require.NoError(t, err)
	var labels []string
	for _, cp := range cps {
		labels = append(labels, cp.Label)
	}
	assert.Contains(t, labels, "before-step")
	assert.Contains(t, labels, "after-step")
	assert.Equal(t, "complete", labels[len(labels)-1])

	statuses := []string{}
	for _, ev := range h.sink.byKind(notify.RunStateChanged) {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []string{"in_progress", "review", "complete"}, statuses)
	assert.Len(t, h.sink.byKind(notify.StepCompleted), 3)
}

func TestStart_LowConfidenceParksAndRespondResumes(t *testing.T) {
	decider, gen := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "based on the service name"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-gen"})
	require.NoError(t, err)
	assert.Equal(t, models.RunAwaitingEscalation, res.Status)
	assert.Equal(t, 1, res.EscalationCount)
	require.NotEmpty(t, res.PendingEscalationID)
	assert.InDelta(t, 33.33, res.ProgressPercentage, 0.01)
	assert.Equal(t, int32(1), gen.calls.Load())

	esc, err := h.coord.Get(res.PendingEscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationPending, esc.Status)
	assert.Equal(t, "run-gen", esc.WorkflowRunID)
	assert.Equal(t, "choose", esc.StepID)
	assert.Equal(t, "db", esc.DecisionKey)
	assert.Equal(t, dbQuestion, esc.Question)
	assert.InDelta(t, 0.6, esc.Confidence, 1e-9)
	require.NotNil(t, esc.ProposedValue)
	assert.Equal(t, "A", esc.ProposedValue.String())
	assert.Equal(t, "billing", esc.Context["service"].String())

	_, err = h.coord.Respond(ctx, esc.ID, models.StringValue("B"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.engine.Status("run-gen")
		return err == nil && st.Status == models.RunComplete
	}, 5*time.Second, 10*time.Millisecond)

	final, err := h.engine.Wait(ctx, "run-gen")
	require.NoError(t, err)
	assert.Equal(t, "B", final.Variables["choose.db"].String())
	assert.Equal(t, "B", final.Variables["publish.msg"].String())
	assert.Empty(t, final.PendingEscalationID)
	assert.Equal(t, 1, final.EscalationCount)

	stored, err := h.db.GetRun("run-gen")
	require.NoError(t, err)
	d, ok := stored.LatestDecision("choose", "db")
	require.True(t, ok)
	assert.Equal(t, models.SourceHuman, d.Source)
	assert.Equal(t, 1.0, d.Confidence)

	// A second response is rejected and does not resume anything.
	_, err = h.coord.Respond(ctx, esc.ID, models.StringValue("C"))
	assert.ErrorIs(t, err, escalation.ErrAlreadyResolved)
}

func TestResume_AnswersPendingEscalationInline(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "guess"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-inline"})
	require.NoError(t, err)
	require.Equal(t, models.RunAwaitingEscalation, res.Status)

	_, err = h.engine.Resume(ctx, "run-inline", nil)
	assert.ErrorIs(t, err, ErrResponseRequired)

	b := models.StringValue("B")
	final, err := h.engine.Resume(ctx, "run-inline", &b)
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, final.Status)
	assert.Equal(t, "B", final.Variables["publish.msg"].String())

	esc, err := h.coord.Get(res.PendingEscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, esc.Status)

	_, err = h.engine.Resume(ctx, "run-inline", &b)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResume_AlreadyAnsweredNeedsNoResponse(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.5, "reasoning": "guess"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()

	// Stop the coordinator from resuming on its own.
	h.coord.SetResumer(nil)

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-answered"})
	require.NoError(t, err)
	_, err = h.coord.Respond(ctx, res.PendingEscalationID, models.StringValue("B"))
	require.NoError(t, err)

	other := models.StringValue("C")
	_, err = h.engine.Resume(ctx, "run-answered", &other)
	assert.ErrorIs(t, err, escalation.ErrAlreadyResolved)

	final, err := h.engine.Resume(ctx, "run-answered", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, final.Status)
	assert.Equal(t, "B", final.Variables["choose.choice"].String())
}

func TestStart_TransientErrorRetriesThenFails(t *testing.T) {
	reg := baseRegistry()
	var calls atomic.Int32
	reg.RegisterFunc("flaky", func(context.Context, map[string]models.Value, RunContext) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, Transient(errors.New("connection reset by peer"))
	})
	def := releaseWorkflow()
	def.Steps[2].Action = "flaky"

	h := openHarness(t, t.TempDir(), testConfig(), knowledgeDecider(), reg)
	ctx := context.Background()

	res, err := h.engine.Start(ctx, def, StartOptions{RunID: "run-flaky"})
	require.NoError(t, err)

	assert.Equal(t, int32(4), calls.Load(), "first attempt plus three retries")
	assert.Equal(t, models.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "publish", res.Error.StepID)
	assert.Equal(t, models.ErrorClassTransient, res.Error.Class)
	assert.Equal(t, 3, res.Error.Retries)
	assert.Contains(t, res.Error.Message, "connection reset")

	stored, err := h.db.GetRun("run-flaky")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Workspace)
	assert.NoDirExists(t, stored.Workspace.Path)

	cp, err := h.db.LatestCheckpoint("run-flaky")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"fetch", "choose"}, cp.State.CompletedStepIDs)

	assert.Len(t, h.sink.byKind(notify.StepRetrying), 3)
	assert.Len(t, h.sink.byKind(notify.StepFailed), 1)
}

func TestStart_PermanentErrorFailsImmediately(t *testing.T) {
	reg := baseRegistry()
	var calls atomic.Int32
	reg.RegisterFunc("broken", func(context.Context, map[string]models.Value, RunContext) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, errors.New("invalid manifest")
	})
	def := &workflow.Definition{Name: "one", Steps: []workflow.Step{{ID: "only", Action: "broken"}}}

	h := openHarness(t, t.TempDir(), testConfig(), nil, reg)
	res, err := h.engine.Start(context.Background(), def, StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.RunFailed, res.Status)
	assert.Equal(t, models.ErrorClassPermanent, res.Error.Class)
	assert.Equal(t, 0, res.Error.Retries)
}

func TestStart_MissingDeclaredOutputFails(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("silent", func(context.Context, map[string]models.Value, RunContext) (StepResult, error) {
		return StepResult{}, nil
	})
	def := &workflow.Definition{Name: "one", Steps: []workflow.Step{{ID: "only", Action: "silent", Outputs: []string{"report"}}}}

	h := openHarness(t, t.TempDir(), testConfig(), nil, reg)
	res, err := h.engine.Start(context.Background(), def, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, res.Status)
	assert.Contains(t, res.Error.Message, `"report"`)
}

func TestStart_Validation(t *testing.T) {
	h := openHarness(t, t.TempDir(), testConfig(), nil, baseRegistry())
	ctx := context.Background()

	cyclic := &workflow.Definition{Name: "loop", Steps: []workflow.Step{
		{ID: "a", Action: "echo", Dependencies: []string{"b"}},
		{ID: "b", Action: "echo", Dependencies: []string{"a"}},
	}}
	_, err := h.engine.Start(ctx, cyclic, StartOptions{})
	assert.True(t, workflow.IsValidationError(err))

	unknown := &workflow.Definition{Name: "odd", Steps: []workflow.Step{{ID: "a", Action: "teleport"}}}
	_, err = h.engine.Start(ctx, unknown, StartOptions{})
	require.True(t, workflow.IsValidationError(err))
	assert.Contains(t, err.Error(), "teleport")

	unbounded := &workflow.Definition{Name: "ratio", Steps: []workflow.Step{{
		ID:     "a",
		Action: "echo",
		Inputs: map[string]models.Value{"limits": models.MapValue(map[string]models.Value{"max": models.NumberValue(math.Inf(1))})},
	}}}
	_, err = h.engine.Start(ctx, unbounded, StartOptions{})
	require.True(t, workflow.IsValidationError(err), "got %v", err)
	assert.Contains(t, err.Error(), "limits.max")

	plain := &workflow.Definition{Name: "plain", Steps: []workflow.Step{{ID: "a", Action: "echo"}}}
	for _, id := range []string{"../../x", "..", "a/b", ".hidden", "run id", strings.Repeat("r", 129)} {
		_, err = h.engine.Start(ctx, plain, StartOptions{RunID: id})
		assert.ErrorIs(t, err, ErrInvalidRunID, "run id %q", id)
	}

	runs, err := h.engine.List(nil)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected workflows must not create runs")
}

func TestStart_SameRunIDIsRejected(t *testing.T) {
	reg := baseRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	reg.RegisterFunc("gate", func(context.Context, map[string]models.Value, RunContext) (StepResult, error) {
		close(started)
		<-release
		return StepResult{}, nil
	})
	def := &workflow.Definition{Name: "gated", Steps: []workflow.Step{{ID: "wait", Action: "gate"}}}

	h := openHarness(t, t.TempDir(), testConfig(), nil, reg)
	ctx := context.Background()

	done := make(chan *models.RunResult, 1)
	go func() {
		res, err := h.engine.Start(ctx, def, StartOptions{RunID: "dup"})
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	_, err := h.engine.Start(ctx, def, StartOptions{RunID: "dup"})
	assert.ErrorIs(t, err, ErrRunBusy)

	close(release)
	res := <-done
	assert.Equal(t, models.RunComplete, res.Status)

	_, err = h.engine.Start(ctx, def, StartOptions{RunID: "dup"})
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestCancel_InterruptsExecutingRun(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.RegisterFunc("block", func(ctx context.Context, _ map[string]models.Value, _ RunContext) (StepResult, error) {
		close(started)
		<-ctx.Done()
		return StepResult{}, ctx.Err()
	})
	def := &workflow.Definition{Name: "long", Steps: []workflow.Step{{ID: "wait", Action: "block"}}}

	h := openHarness(t, t.TempDir(), testConfig(), nil, reg)
	ctx := context.Background()

	done := make(chan *models.RunResult, 1)
	go func() {
		res, err := h.engine.Start(ctx, def, StartOptions{RunID: "run-cancel"})
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	res, err := h.engine.Cancel(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ErrorClassCancelled, res.Error.Class)

	startRes := <-done
	assert.Equal(t, models.RunFailed, startRes.Status)

	stored, err := h.db.GetRun("run-cancel")
	require.NoError(t, err)
	require.NotNil(t, stored.Workspace)
	assert.NoDirExists(t, stored.Workspace.Path)

	// Cancelling again is harmless.
	again, err := h.engine.Cancel(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, again.Status)
}

func TestCancel_ParkedRunWithdrawsEscalation(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.4, "reasoning": "unsure"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-parked"})
	require.NoError(t, err)
	require.Equal(t, models.RunAwaitingEscalation, res.Status)

	cancelled, err := h.engine.Cancel(ctx, "run-parked")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, cancelled.Status)
	assert.Empty(t, cancelled.PendingEscalationID)

	esc, err := h.coord.Get(res.PendingEscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationCancelled, esc.Status)

	_, err = h.coord.Respond(ctx, esc.ID, models.StringValue("B"))
	assert.ErrorIs(t, err, escalation.ErrInvalidState)
}

func TestPause_StopsBetweenStepsAndResumes(t *testing.T) {
	reg := baseRegistry()
	var eng *Engine
	reg.RegisterFunc("pause-me", func(_ context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error) {
		if err := eng.Pause(rc.RunID); err != nil {
			return StepResult{}, err
		}
		return StepResult{Outputs: inputs}, nil
	})
	def := releaseWorkflow()
	def.Steps[0].Action = "pause-me"

	h := openHarness(t, t.TempDir(), testConfig(), knowledgeDecider(), reg)
	eng = h.engine
	ctx := context.Background()

	res, err := eng.Start(ctx, def, StartOptions{RunID: "run-pause"})
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, res.Status)
	assert.True(t, res.Paused)
	assert.InDelta(t, 33.33, res.ProgressPercentage, 0.01)

	assert.ErrorIs(t, eng.Pause("run-pause"), ErrInvalidTransition, "a paused run cannot be paused again")

	final, err := eng.Resume(ctx, "run-pause", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, final.Status)
	assert.False(t, final.Paused)
	assert.Equal(t, "postgres", final.Variables["publish.msg"].String())
}

func TestReview_RequiresAccept(t *testing.T) {
	h := openHarness(t, t.TempDir(), testConfig(), knowledgeDecider(), baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-review", RequireReview: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunReview, res.Status)
	assert.Equal(t, 100.0, res.ProgressPercentage)

	stored, err := h.db.GetRun("run-review")
	require.NoError(t, err)
	require.NotNil(t, stored.Workspace)
	assert.DirExists(t, stored.Workspace.Path)

	accepted, err := h.engine.Accept(ctx, "run-review")
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, accepted.Status)
	assert.NoDirExists(t, stored.Workspace.Path)

	_, err = h.engine.Accept(ctx, "run-review")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResume_UnknownRun(t *testing.T) {
	h := openHarness(t, t.TempDir(), testConfig(), nil, baseRegistry())
	_, err := h.engine.Resume(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.engine.Status("ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestResume_DefinitionChanged(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "guess"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()

	_, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-edit"})
	require.NoError(t, err)

	_, err = h.db.Exec("UPDATE runs SET definition = ? WHERE id = ?",
		`{"name":"release","steps":[{"id":"fetch","action":"echo"}]}`, "run-edit")
	require.NoError(t, err)

	b := models.StringValue("B")
	_, err = h.engine.Resume(ctx, "run-edit", &b)
	assert.ErrorIs(t, err, ErrDefinitionChanged)
}

func TestResume_IdempotentAcrossCopies(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "guess"}`)
	src := t.TempDir()
	h := openHarness(t, src, testConfig(), decider, baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-copy"})
	require.NoError(t, err)
	require.Equal(t, models.RunAwaitingEscalation, res.Status)
	h.close()

	var results []*models.RunResult
	for i := 0; i < 2; i++ {
		dst := t.TempDir()
		copyTree(t, src, dst)
		c := openHarness(t, dst, testConfig(), decider, baseRegistry())
		b := models.StringValue("B")
		final, err := c.engine.Resume(ctx, "run-copy", &b)
		require.NoError(t, err)
		results = append(results, final)
	}

	require.Len(t, results, 2)
	assert.Equal(t, models.RunComplete, results[0].Status)
	assert.Equal(t, results[0].Status, results[1].Status)
	assert.Equal(t, results[0].Variables, results[1].Variables)
	assert.Equal(t, "B", results[1].Variables["publish.msg"].String())
}

func TestSweepStale_FailsLongParkedRuns(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "guess"}`)
	cfg := testConfig()
	cfg.EscalationTimeout = time.Minute
	h := openHarness(t, t.TempDir(), cfg, decider, baseRegistry())
	ctx := context.Background()

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-stale"})
	require.NoError(t, err)
	require.Equal(t, models.RunAwaitingEscalation, res.Status)

	swept, err := h.engine.SweepStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, swept)

	swept, err = h.engine.SweepStale(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"run-stale"}, swept)

	st, err := h.engine.Status("run-stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, st.Status)
	assert.Equal(t, models.ErrorClassTimeout, st.Error.Class)

	esc, err := h.coord.Get(res.PendingEscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationCancelled, esc.Status)
}

func TestRecoverResolved_ResumesMissedSignals(t *testing.T) {
	decider, _ := generativeDecider(`{"decision": "A", "confidence": 0.6, "reasoning": "guess"}`)
	h := openHarness(t, t.TempDir(), testConfig(), decider, baseRegistry())
	ctx := context.Background()
	h.coord.SetResumer(nil)

	res, err := h.engine.Start(ctx, releaseWorkflow(), StartOptions{RunID: "run-missed"})
	require.NoError(t, err)
	_, err = h.escs.Resolve(res.PendingEscalationID, models.StringValue("B"))
	require.NoError(t, err)

	resumed, err := h.engine.RecoverResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-missed"}, resumed)

	st, err := h.engine.Status("run-missed")
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, st.Status)
}

func TestEscalationBudgetIsAdvisory(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("ask", func(_ context.Context, _ map[string]models.Value, rc RunContext) (StepResult, error) {
		if _, ok := rc.Decision("go"); !ok {
			return NeedDecision("go", "Ship the "+rc.StepID+" artifact now?", nil), nil
		}
		return StepResult{}, nil
	})
	def := &workflow.Definition{Name: "asks", Steps: []workflow.Step{
		{ID: "one", Action: "ask"},
		{ID: "two", Action: "ask", Dependencies: []string{"one"}},
	}}

	h := openHarness(t, t.TempDir(), testConfig(), nil, reg)
	ctx := context.Background()

	res, err := h.engine.Start(ctx, def, StartOptions{RunID: "run-budget", MaxEscalations: 1})
	require.NoError(t, err)
	assert.False(t, res.EscalationBudgetExceeded)

	yes := models.BoolValue(true)
	res, err = h.engine.Resume(ctx, "run-budget", &yes)
	require.NoError(t, err)
	assert.Equal(t, models.RunAwaitingEscalation, res.Status)
	assert.Equal(t, 2, res.EscalationCount)
	assert.True(t, res.EscalationBudgetExceeded)

	res, err = h.engine.Resume(ctx, "run-budget", &yes)
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, res.Status)
	assert.True(t, res.EscalationBudgetExceeded)
}

func TestParallelBatchRunsConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	together := make(chan struct{})
	go func() {
		arrived.Wait()
		close(together)
	}()

	reg := NewRegistry()
	reg.RegisterFunc("meet", func(_ context.Context, _ map[string]models.Value, rc RunContext) (StepResult, error) {
		arrived.Done()
		select {
		case <-together:
			return StepResult{Outputs: map[string]models.Value{"by": models.StringValue(rc.StepID)}}, nil
		case <-time.After(2 * time.Second):
			return StepResult{}, Permanent(errors.New("steps did not overlap"))
		}
	})
	def := &workflow.Definition{Name: "fanout", Steps: []workflow.Step{
		{ID: "left", Action: "meet", Outputs: []string{"by"}},
		{ID: "right", Action: "meet", Outputs: []string{"by"}},
	}}

	cfg := testConfig()
	cfg.MaxParallel = 2
	h := openHarness(t, t.TempDir(), cfg, nil, reg)

	res, err := h.engine.Start(context.Background(), def, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, res.Status)
	assert.Equal(t, "left", res.Variables["left.by"].String())
	assert.Equal(t, "right", res.Variables["right.by"].String())
}

func TestHookFailuresDoNotFailSteps(t *testing.T) {
	h := openHarness(t, t.TempDir(), testConfig(), knowledgeDecider(), baseRegistry())
	var post atomic.Int32
	h.engine.Hooks().Register(AnyStep, PreStep, NewHook("explodes", func(context.Context, HookEvent) error {
		panic("boom")
	}))
	h.engine.Hooks().Register("publish", PostStep, NewHook("audit", func(_ context.Context, ev HookEvent) error {
		post.Add(1)
		if ev.Outputs["msg"].String() != "postgres" {
			return errors.New("unexpected output")
		}
		return nil
	}))

	res, err := h.engine.Start(context.Background(), releaseWorkflow(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunComplete, res.Status)
	assert.Equal(t, int32(1), post.Load())
	assert.Len(t, h.sink.byKind(notify.HookFailed), 3)
}

func TestEventsChannel(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir, testConfig(), knowledgeDecider(), baseRegistry(), WithEvents(64))

	_, err := h.engine.Start(context.Background(), releaseWorkflow(), StartOptions{})
	require.NoError(t, err)

	var kinds []notify.Kind
	for {
		select {
		case ev := <-h.engine.Events():
			kinds = append(kinds, ev.Kind)
			continue
		default:
		}
		break
	}
	assert.Contains(t, kinds, notify.StepStarted)
	assert.Contains(t, kinds, notify.StepCompleted)
	assert.Equal(t, notify.RunStateChanged, kinds[len(kinds)-1])
}

func copyTree(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
	require.NoError(t, err)
}

// rendezvousStore holds each engine's first GetRun until every engine has
// loaded the run, so all of them start from the same stored record.
type rendezvousStore struct {
	*state.DB
	arrive *sync.WaitGroup
	once   sync.Once
}

func (s *rendezvousStore) GetRun(id string) (*models.WorkflowRunState, error) {
	run, err := s.DB.GetRun(id)
	s.once.Do(func() {
		s.arrive.Done()
		s.arrive.Wait()
	})
	return run, err
}

func TestResume_PausedRunResumesOnceAcrossProcesses(t *testing.T) {
	var published atomic.Int32
	reg := baseRegistry()
	var starter *Engine
	reg.RegisterFunc("pause-me", func(_ context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error) {
		if err := starter.Pause(rc.RunID); err != nil {
			return StepResult{}, err
		}
		return StepResult{Outputs: inputs}, nil
	})
	reg.RegisterFunc("publish", func(ctx context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error) {
		published.Add(1)
		return echoStep(ctx, inputs, rc)
	})
	def := releaseWorkflow()
	def.Steps[0].Action = "pause-me"
	def.Steps[2].Action = "publish"

	dir := t.TempDir()
	h := openHarness(t, dir, testConfig(), knowledgeDecider(), reg)
	starter = h.engine
	ctx := context.Background()

	res, err := starter.Start(ctx, def, StartOptions{RunID: "run-shared"})
	require.NoError(t, err)
	require.True(t, res.Paused)

	// Two engines with their own connections to one database file stand in
	// for two conductor processes.
	var arrive sync.WaitGroup
	arrive.Add(2)
	engines := make([]*Engine, 2)
	for i := range engines {
		db, err := state.Open(filepath.Join(dir, "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		eng, err := New(RequiredConfig{Store: &rendezvousStore{DB: db, arrive: &arrive}, Registry: reg},
			WithConfig(testConfig()),
			WithDecider(knowledgeDecider()),
			WithWorkspaces(workspace.NewDirManager(filepath.Join(dir, "workspaces"))))
		require.NoError(t, err)
		t.Cleanup(func() { eng.Close() })
		engines[i] = eng
	}

	results := make([]*models.RunResult, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = eng.Resume(ctx, "run-shared", nil)
		}()
	}
	wg.Wait()

	var busy, completed int
	for i := range engines {
		switch {
		case errors.Is(errs[i], ErrRunBusy):
			busy++
		case errs[i] == nil && results[i].Status == models.RunComplete:
			completed++
		default:
			t.Errorf("engine %d: result %+v, error %v", i, results[i], errs[i])
		}
	}
	assert.Equal(t, 1, busy, "exactly one resume should lose")
	assert.Equal(t, 1, completed)
	assert.Equal(t, int32(1), published.Load(), "the remaining steps run once")
}
