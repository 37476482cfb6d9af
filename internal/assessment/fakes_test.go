package assessment

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/notify"
	"github.com/amillerrr/video-qc/internal/storage"
	"github.com/amillerrr/video-qc/pkg/models"
)

type step struct {
	ev  engine.Event
	err error
}

// fakeComparer replays steps pushed per distorted path. A run blocks until a
// step arrives or its context is done.
type fakeComparer struct {
	mu      sync.Mutex
	steps   map[string]chan step
	started chan string
}

func newFakeComparer() *fakeComparer {
	return &fakeComparer{
		steps:   make(map[string]chan step),
		started: make(chan string, 32),
	}
}

func (f *fakeComparer) channel(dist string) chan step {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.steps[dist]
	if !ok {
		ch = make(chan step, 32)
		f.steps[dist] = ch
	}
	return ch
}

func (f *fakeComparer) progress(dist string, frame, total int) {
	f.channel(dist) <- step{ev: engine.Event{
		Kind: engine.EventProgress,
		Progress: engine.Progress{
			CurrentFrame: frame,
			TotalFrames:  total,
			Percent:      float64(frame) / float64(total) * 100,
		},
	}}
}

func (f *fakeComparer) complete(dist string, vmaf ...float64) {
	frames := make([]models.FrameMetrics, len(vmaf))
	var sum float64
	for i, v := range vmaf {
		frames[i] = models.FrameMetrics{FrameNum: i, VMAF: models.Float(v)}
		sum += v
	}
	mean := 0.0
	if len(vmaf) > 0 {
		mean = sum / float64(len(vmaf))
	}
	f.channel(dist) <- step{ev: engine.Event{
		Kind: engine.EventComplete,
		Result: &engine.Result{
			Scores: models.QualityScores{VMAFMean: mean, SSIMMean: 0.95, PSNRMean: 40},
			Frames: frames,
			Model:  "vmaf_v0.6.1",
		},
	}}
}

func (f *fakeComparer) fail(dist string, err error) {
	f.channel(dist) <- step{err: err}
}

func (f *fakeComparer) Compare(ctx context.Context, _, dist, _ string) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		f.started <- dist
		ch := f.channel(dist)
		for {
			select {
			case <-ctx.Done():
				yield(engine.Event{}, fmt.Errorf("%w: %w", models.ErrContextCanceled, ctx.Err()))
				return
			case st := <-ch:
				if st.err != nil {
					yield(engine.Event{}, st.err)
					return
				}
				if !yield(st.ev, nil) || st.ev.Kind == engine.EventComplete {
					return
				}
			}
		}
	}
}

// recordingRepo captures every accepted progress value.
type recordingRepo struct {
	*storage.MemoryAssessmentRepository

	mu       sync.Mutex
	progress []float64
}

func (r *recordingRepo) UpdateProgress(ctx context.Context, id string, progress float64, current, total int) error {
	err := r.MemoryAssessmentRepository.UpdateProgress(ctx, id, progress, current, total)
	if err == nil {
		r.mu.Lock()
		r.progress = append(r.progress, progress)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingRepo) accepted() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) statuses() []models.AssessmentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.AssessmentStatus, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Status
	}
	return out
}

type harness struct {
	svc       *Service
	repo      *recordingRepo
	videos    *storage.MemoryVideoRepository
	comparer  *fakeComparer
	publisher *fakePublisher
}

func newHarness(t *testing.T, maxConcurrent int, timeout time.Duration) *harness {
	t.Helper()

	h := &harness{
		repo:      &recordingRepo{MemoryAssessmentRepository: storage.NewMemoryAssessmentRepository()},
		videos:    storage.NewMemoryVideoRepository(),
		comparer:  newFakeComparer(),
		publisher: &fakePublisher{},
	}

	ctx := context.Background()
	now := time.Now()
	ref := &models.VideoAsset{ID: "ref", Filename: "ref.mp4", FilePath: "/media/ref.mp4", Role: models.RoleReference, CreatedAt: now}
	ref.Width, ref.Height, ref.FrameCount, ref.FrameRate = 1920, 1080, 100, 25
	if err := h.videos.CreateVideo(ctx, ref); err != nil {
		t.Fatalf("CreateVideo() error = %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		v := &models.VideoAsset{ID: id, Filename: id + ".mp4", FilePath: "/media/" + id + ".mp4", Role: models.RoleDistorted, CreatedAt: now}
		v.Width, v.Height, v.Bitrate, v.Codec = 1280, 720, 2500000, "h264"
		if err := h.videos.CreateVideo(ctx, v); err != nil {
			t.Fatalf("CreateVideo() error = %v", err)
		}
	}

	h.svc = New(&Config{
		Repo:          h.repo,
		Videos:        h.videos,
		Frames:        storage.NewLocalFrameStore(t.TempDir()),
		Comparer:      h.comparer,
		Publisher:     h.publisher,
		MaxConcurrent: maxConcurrent,
		Timeout:       timeout,
		WorkDir:       t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, dist string) *models.Assessment {
	t.Helper()
	a, err := h.svc.Create(context.Background(), "ref", dist)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func (h *harness) get(t *testing.T, id string) *models.Assessment {
	t.Helper()
	a, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return a
}

func (h *harness) waitStatus(t *testing.T, id string, want models.AssessmentStatus) *models.Assessment {
	t.Helper()
	var a *models.Assessment
	waitFor(t, func() bool {
		a = h.get(t, id)
		return a.Status == want
	})
	return a
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
