package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"transcription-jobs/internal/models"
	"transcription-jobs/internal/store"
)

// fakeGateway fails submissions from a queue of errors and answers polls
// from per-external-id tables.
type fakeGateway struct {
	mu         sync.Mutex
	submitErrs []error
	failAlways error
	submits    int
	polls      int
	outcomes   map[string]models.Outcome
	pollErrs   map[string]error
	// onSubmit runs inside Submit before it answers.
	onSubmit func() error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{outcomes: map[string]models.Outcome{}, pollErrs: map[string]error{}}
}

func (g *fakeGateway) Submit(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.onSubmit != nil {
		if err := g.onSubmit(); err != nil {
			return "", err
		}
	}
	if g.failAlways != nil {
		return "", g.failAlways
	}
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("ext-%d", g.submits), nil
}

func (g *fakeGateway) PollStatus(_ context.Context, extID string) (models.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if err := g.pollErrs[extID]; err != nil {
		return models.Outcome{}, err
	}
	if out, ok := g.outcomes[extID]; ok {
		return out, nil
	}
	return models.Outcome{ExternalJobID: extID, Status: models.BackendProcessing}, nil
}

func (g *fakeGateway) counts() (submits, polls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits, g.polls
}

type recordingNotifier struct {
	mu        sync.Mutex
	created   []string
	completed []string
	failed    []string
	messages  []string
}

func (n *recordingNotifier) NotifyCreated(_ context.Context, job models.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, job.ID)
}

func (n *recordingNotifier) NotifyCompleted(_ context.Context, job models.Job, _ models.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
}

func (n *recordingNotifier) NotifyFailed(_ context.Context, job models.Job, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) counts() (created, completed, failed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created), len(n.completed), len(n.failed)
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *memArtifacts) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[key] = body
	return "mem://" + key, nil
}

func (a *memArtifacts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

type harness struct {
	coord     *Coordinator
	store     *store.Memory
	gateway   *fakeGateway
	notifier  *recordingNotifier
	artifacts *memArtifacts
}

func newHarness(t *testing.T, opts Options, index RetryIndex) *harness {
	t.Helper()
	return newHarnessWithStore(t, opts, index, nil)
}

// newHarnessWithStore lets wrap put a decorator in front of the memory store.
func newHarnessWithStore(t *testing.T, opts Options, index RetryIndex, wrap func(*store.Memory) store.Store) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		store:     store.NewMemory(),
		gateway:   newFakeGateway(),
		notifier:  &recordingNotifier{},
		artifacts: &memArtifacts{},
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Hour
	}
	if opts.RetryCap == 0 {
		opts.RetryCap = 4 * time.Hour
	}
	var st store.Store = h.store
	if wrap != nil {
		st = wrap(h.store)
	}
	deps := Deps{
		Store:     st,
		Gateway:   h.gateway,
		Notifier:  h.notifier,
		Artifacts: h.artifacts,
		Logger:    logger,
	}
	if index != nil {
		deps.Index = index
	}
	h.coord = NewCoordinator(deps, opts)
	t.Cleanup(h.coord.Close)
	return h
}

// seed stores job as is, filling the timestamps a real creation would set.
func (h *harness) seed(t *testing.T, job models.Job) models.Job {
	t.Helper()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	if job.MediaRef == "" {
		job.MediaRef = "s3://media/" + job.ID + ".mp3"
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("seed %s: %v", job.ID, err)
	}
	return job
}

func (h *harness) get(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func (h *harness) processing(t *testing.T, id, extID string) models.Job {
	t.Helper()
	return h.seed(t, models.Job{
		ID:            id,
		ExternalJobID: extID,
		Status:        models.StatusProcessing,
		SubmittedAt:   models.TimePtr(time.Now()),
	})
}

func completedOutcome(extID, text string) models.Outcome {
	return models.Outcome{
		ExternalJobID: extID,
		Status:        models.BackendCompleted,
		Result:        &models.Result{Text: text},
		Timestamp:     time.Now(),
	}
}

// casFailStore loses every conditional write.
type casFailStore struct {
	*store.Memory
}

func (casFailStore) CompareAndSwap(context.Context, models.Job, int64) (bool, error) {
	return false, nil
}

// ctxStore refuses writes under a cancelled context, as a network store does.
type ctxStore struct {
	*store.Memory
}

func (s ctxStore) CompareAndSwap(ctx context.Context, next models.Job, expectedVersion int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Memory.CompareAndSwap(ctx, next, expectedVersion)
}

// staleListStore lists jobs as they were before anyone claimed them.
type staleListStore struct {
	*store.Memory
}

func (s staleListStore) ListByStatus(ctx context.Context, status models.Status, before time.Time, limit int) ([]models.Job, error) {
	jobs, err := s.Memory.ListByStatus(ctx, status, before, limit)
	for i := range jobs {
		jobs[i].LeaseUntil = nil
	}
	return jobs, err
}

var errBoom = errors.New("boom")
