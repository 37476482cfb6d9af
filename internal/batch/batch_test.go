package batch

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/video-qc/internal/assessment"
	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/storage"
	"github.com/amillerrr/video-qc/pkg/models"
)

// gatedComparer completes a run each time release is signalled and tracks how
// many runs overlap.
type gatedComparer struct {
	release chan struct{}

	mu      sync.Mutex
	active  int
	peak    int
	started []string
}

func (g *gatedComparer) Compare(ctx context.Context, _, dist, _ string) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		g.mu.Lock()
		g.active++
		g.peak = max(g.peak, g.active)
		g.started = append(g.started, dist)
		g.mu.Unlock()

		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			yield(engine.Event{}, ctx.Err())
		case <-g.release:
			yield(engine.Event{
				Kind: engine.EventComplete,
				Result: &engine.Result{
					Scores: models.QualityScores{VMAFMean: 90},
					Frames: []models.FrameMetrics{{FrameNum: 0, VMAF: models.Float(90)}},
				},
			}, nil)
		}
	}
}

func (g *gatedComparer) peakRuns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *gatedComparer) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

type fixture struct {
	orch     *Orchestrator
	svc      *assessment.Service
	repo     *storage.MemoryAssessmentRepository
	comparer *gatedComparer
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	videos := storage.NewMemoryVideoRepository()
	now := time.Now()
	for _, v := range []struct {
		id   string
		role models.VideoRole
	}{
		{"ref", models.RoleReference},
		{"d1", models.RoleDistorted},
		{"d2", models.RoleDistorted},
		{"d3", models.RoleDistorted},
	} {
		asset := &models.VideoAsset{ID: v.id, FilePath: "/media/" + v.id + ".mp4", Role: v.role, CreatedAt: now}
		asset.FrameCount = 10
		if err := videos.CreateVideo(ctx, asset); err != nil {
			t.Fatalf("CreateVideo() error = %v", err)
		}
	}

	f := &fixture{
		repo:     storage.NewMemoryAssessmentRepository(),
		comparer: &gatedComparer{release: make(chan struct{})},
	}
	f.svc = assessment.New(&assessment.Config{
		Repo:          f.repo,
		Videos:        videos,
		Frames:        storage.NewLocalFrameStore(t.TempDir()),
		Comparer:      f.comparer,
		MaxConcurrent: maxConcurrent,
		WorkDir:       t.TempDir(),
		Logger:        log,
	})
	f.orch = New(&Config{Assessments: f.svc, Repo: f.repo, Logger: log})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCreateAssignsIndexes(t *testing.T) {
	f := newFixture(t, 2)

	batchID, members, err := f.orch.Create(context.Background(), "ref", []string{"d1", "d2", "d3"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if batchID == "" {
		t.Fatal("Create() returned empty batch id")
	}
	for i, a := range members {
		if a.BatchID != batchID || a.BatchIndex != i {
			t.Errorf("member %d batch = %q/%d, want %q/%d", i, a.BatchID, a.BatchIndex, batchID, i)
		}
		if a.Status != models.StatusPending {
			t.Errorf("member %d status = %q, want pending", i, a.Status)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	tests := []struct {
		name    string
		ref     string
		dists   []string
		wantErr error
	}{
		{"empty", "ref", nil, models.ErrInvalidArgument},
		{"too many", "ref", make([]string, MaxSize+1), models.ErrInvalidArgument},
		{"missing reference", "nope", []string{"d1"}, models.ErrVideoNotFound},
		{"missing distorted", "ref", []string{"d1", "nope"}, models.ErrVideoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.orch.Create(ctx, tt.ref, tt.dists); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// A rejected batch must leave nothing behind.
	all, total, err := f.repo.ListAssessments(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ListAssessments() error = %v", err)
	}
	if total != 0 || len(all) != 0 {
		t.Errorf("ListAssessments() total = %d, want 0", total)
	}
}

func TestBatchRunsSequentially(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	batchID, _, err := f.orch.Create(ctx, "ref", []string{"d1", "d2", "d3"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := f.orch.Start(ctx, batchID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first == nil || first.BatchIndex != 0 {
		t.Fatalf("Start() = %+v, want batch index 0", first)
	}

	// A second start while one member runs returns the running member.
	again, err := f.orch.Start(ctx, batchID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("Start() while running = %+v, want %s", again, first.ID)
	}

	for range 3 {
		f.comparer.release <- struct{}{}
	}

	waitFor(t, func() bool {
		st, err := f.orch.Status(ctx, batchID)
		return err == nil && st.Completed == 3
	})

	if peak := f.comparer.peakRuns(); peak != 1 {
		t.Errorf("peak concurrent runs = %d, want 1", peak)
	}
	got := f.comparer.order()
	want := []string{"/media/d1.mp4", "/media/d2.mp4", "/media/d3.mp4"}
	if len(got) != len(want) {
		t.Fatalf("run order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("run %d = %s, want %s", i, got[i], want[i])
		}
	}

	st, err := f.orch.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Progress != 100 {
		t.Errorf("Progress = %v, want 100", st.Progress)
	}

	none, err := f.orch.Start(ctx, batchID)
	if err != nil || none != nil {
		t.Errorf("Start() on finished batch = %+v, %v; want nil, nil", none, err)
	}
}

func TestStartUnknownBatch(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.orch.Start(ctx, "missing"); !errors.Is(err, models.ErrBatchNotFound) {
		t.Errorf("Start() error = %v, want ErrBatchNotFound", err)
	}
	if _, err := f.orch.Status(ctx, "missing"); !errors.Is(err, models.ErrBatchNotFound) {
		t.Errorf("Status() error = %v, want ErrBatchNotFound", err)
	}
}

func TestStartAtConcurrencyLimit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	solo, err := f.svc.Create(ctx, "ref", "d1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.svc.Start(ctx, solo.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	batchID, _, err := f.orch.Create(ctx, "ref", []string{"d2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.orch.Start(ctx, batchID); !errors.Is(err, models.ErrConcurrencyLimit) {
		t.Fatalf("Start() error = %v, want ErrConcurrencyLimit", err)
	}

	st, err := f.orch.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Pending != 1 {
		t.Errorf("Pending = %d, want 1", st.Pending)
	}
}

func TestShutdownLeavesBatchPaused(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	batchID, members, err := f.orch.Create(ctx, "ref", []string{"d1", "d2", "d3"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.orch.Start(ctx, batchID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return len(f.comparer.order()) == 1 })

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []models.AssessmentStatus{models.StatusFailed, models.StatusPending, models.StatusPending}
	for i, m := range members {
		got, err := f.repo.GetAssessment(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetAssessment() error = %v", err)
		}
		if got.Status != want[i] {
			t.Errorf("member %d status = %q, want %q", i, got.Status, want[i])
		}
	}
	if runs := f.comparer.order(); len(runs) != 1 {
		t.Errorf("runs = %v, want only the first member", runs)
	}
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		completed, total int
		running          float64
		want             float64
	}{
		{0, 0, 0, 0},
		{0, 4, 0, 0},
		{1, 4, 50, 37.5},
		{1, 3, 0, 33.33},
		{2, 2, 0, 100},
	}
	for _, tt := range tests {
		if got := OverallProgress(tt.completed, tt.total, tt.running); got != tt.want {
			t.Errorf("OverallProgress(%d, %d, %v) = %v, want %v",
				tt.completed, tt.total, tt.running, got, tt.want)
		}
	}
}
