package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amillerrr/video-qc/internal/assessment"
	"github.com/amillerrr/video-qc/internal/auth"
	"github.com/amillerrr/video-qc/internal/batch"
	"github.com/amillerrr/video-qc/internal/config"
	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/storage"
	"github.com/amillerrr/video-qc/internal/video"
	"github.com/amillerrr/video-qc/pkg/models"
)

// stubComparer completes immediately when instant is set and otherwise blocks
// until its context is cancelled.
type stubComparer struct {
	instant bool
}

func (s stubComparer) Compare(ctx context.Context, _, _, _ string) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		if !s.instant {
			<-ctx.Done()
			yield(engine.Event{}, ctx.Err())
			return
		}
		yield(engine.Event{
			Kind: engine.EventComplete,
			Result: &engine.Result{
				Scores: models.QualityScores{VMAFMean: 72.5},
				Frames: []models.FrameMetrics{
					{FrameNum: 0, VMAF: models.Float(90)},
					{FrameNum: 1, VMAF: models.Float(55)},
				},
				Model: "vmaf_v0.6.1",
			},
		}, nil)
	}
}

type stubProber struct{}

func (stubProber) Probe(_ context.Context, path string) (*models.VideoMetadata, error) {
	if path == "/media/broken.mp4" {
		return nil, fmt.Errorf("%w: exit status 1", models.ErrProbeFailed)
	}
	return &models.VideoMetadata{Width: 1280, Height: 720, FrameCount: 2, FrameRate: 25}, nil
}

type passthrough struct{}

func (passthrough) Localize(_ context.Context, path string) (string, func(), error) {
	return path, func() {}, nil
}

type testAPI struct {
	handler http.Handler
	svc     *assessment.Service
	token   string
}

func newTestAPI(t *testing.T, maxConcurrent int, instant bool) *testAPI {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	videoRepo := storage.NewMemoryVideoRepository()
	assessmentRepo := storage.NewMemoryAssessmentRepository()
	now := time.Now()
	for _, id := range []string{"ref", "d1", "d2"} {
		v := &models.VideoAsset{ID: id, Filename: id + ".mp4", FilePath: "/media/" + id + ".mp4", Role: models.RoleDistorted, CreatedAt: now}
		v.FrameCount = 2
		if err := videoRepo.CreateVideo(ctx, v); err != nil {
			t.Fatalf("CreateVideo() error = %v", err)
		}
	}

	svc := assessment.New(&assessment.Config{
		Repo:          assessmentRepo,
		Videos:        videoRepo,
		Frames:        storage.NewLocalFrameStore(t.TempDir()),
		Comparer:      stubComparer{instant: instant},
		MaxConcurrent: maxConcurrent,
		WorkDir:       t.TempDir(),
		Logger:        log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	jwtService, err := auth.NewJWTService([]byte("test-secret-that-is-long-enough-for-testing"))
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}
	rl := auth.NewRateLimiter(auth.RateLimiterConfig{MaxFailedAttempts: 2, Window: time.Minute, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)

	token, err := jwtService.GenerateToken("admin")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	cfg := &config.Config{
		Environment: "dev",
		API:         config.APIConfig{Username: "admin", Password: "secret"},
		CORS:        config.CORSConfig{AllowedOrigins: []string{"https://example.com"}},
	}

	return &testAPI{
		handler: NewRouter(&ServerConfig{
			Config:      cfg,
			Logger:      log,
			JWTService:  jwtService,
			RateLimiter: rl,
			Assessments: svc,
			Batches:     batch.New(&batch.Config{Assessments: svc, Repo: assessmentRepo, Logger: log}),
			Videos:      video.New(videoRepo, stubProber{}, passthrough{}, assessmentRepo, log),
		}),
		svc:   svc,
		token: token,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("Decode() error = %v (body %q)", err, rr.Body.String())
	}
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrVideoNotFound, http.StatusNotFound},
		{fmt.Errorf("reference x: %w", models.ErrVideoNotFound), http.StatusNotFound},
		{models.ErrAssessmentNotFound, http.StatusNotFound},
		{models.ErrBatchNotFound, http.StatusNotFound},
		{models.ErrInvalidArgument, http.StatusBadRequest},
		{models.ErrInvalidRole, http.StatusBadRequest},
		{models.ErrInvalidState, http.StatusConflict},
		{models.ErrVideoInUse, http.StatusConflict},
		{models.ErrConcurrencyLimit, http.StatusTooManyRequests},
		{models.ErrProbeFailed, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoginHandler(t *testing.T) {
	api := newTestAPI(t, 1, true)

	login := func(user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/login", nil)
		req.SetBasicAuth(user, pass)
		rr := httptest.NewRecorder()
		api.handler.ServeHTTP(rr, req)
		return rr
	}

	rr := login("admin", "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["token"] == "" {
		t.Error("login returned no token")
	}

	for range 2 {
		if rr := login("admin", "wrong"); rr.Code != http.StatusUnauthorized {
			t.Errorf("bad login status = %d, want 401", rr.Code)
		}
	}
	if rr := login("admin", "secret"); rr.Code != http.StatusTooManyRequests {
		t.Errorf("login after failures status = %d, want 429", rr.Code)
	}
}

func TestAssessmentLifecycle(t *testing.T) {
	api := newTestAPI(t, 1, false)

	if rr := api.do(t, "POST", "/api/assessments", CreateAssessmentRequest{ReferenceVideoID: "ref", DistortedVideoID: "d1"}, false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status = %d, want 401", rr.Code)
	}

	rr := api.do(t, "POST", "/api/assessments", CreateAssessmentRequest{ReferenceVideoID: "ref", DistortedVideoID: "d1"}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	created := decode[CreateAssessmentResponse](t, rr)
	id := created.Assessment.ID
	if created.Assessment.Status != models.StatusPending || created.Started {
		t.Fatalf("created = %+v, want pending and not started", created)
	}

	if rr := api.do(t, "GET", "/api/assessments/"+id, nil, false); rr.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rr.Code)
	}

	rr = api.do(t, "POST", "/api/assessments/"+id+"/start", nil, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	if rr := api.do(t, "POST", "/api/assessments/"+id+"/start", nil, true); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second start status = %d, want 429", rr.Code)
	}

	rr = api.do(t, "POST", "/api/assessments", CreateAssessmentRequest{ReferenceVideoID: "ref", DistortedVideoID: "d2", AutoStart: true}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("auto start create status = %d, want 201", rr.Code)
	}
	second := decode[CreateAssessmentResponse](t, rr)
	if second.Started || second.StartError == "" {
		t.Errorf("auto start at cap = %+v, want start error", second)
	}

	rr = api.do(t, "POST", "/api/assessments/"+second.Assessment.ID+"/start", nil, true)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("start at cap status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing at cap")
	}

	if rr := api.do(t, "DELETE", "/api/assessments/"+id, nil, true); rr.Code != http.StatusConflict {
		t.Errorf("delete running status = %d, want 409", rr.Code)
	}

	rr = api.do(t, "POST", "/api/assessments/"+id+"/cancel", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", rr.Code)
	}
	if a := decode[models.Assessment](t, rr); a.Status != models.StatusCancelled {
		t.Errorf("cancelled status = %q", a.Status)
	}

	if rr := api.do(t, "POST", "/api/assessments/"+id+"/cancel", nil, true); rr.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rr.Code)
	}

	rr = api.do(t, "GET", "/api/assessments?limit=1", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rr.Code)
	}
	list := decode[ListAssessmentsResponse](t, rr)
	if list.Total != 2 || len(list.Assessments) != 1 {
		t.Errorf("list total/len = %d/%d, want 2/1", list.Total, len(list.Assessments))
	}

	if rr := api.do(t, "DELETE", "/api/assessments/"+id, nil, true); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	if rr := api.do(t, "GET", "/api/assessments/"+id, nil, false); rr.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rr.Code)
	}
}

func TestAssessmentValidation(t *testing.T) {
	api := newTestAPI(t, 1, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing video ids", "POST", "/api/assessments", CreateAssessmentRequest{}, http.StatusBadRequest},
		{"unknown video", "POST", "/api/assessments", CreateAssessmentRequest{ReferenceVideoID: "ref", DistortedVideoID: "nope"}, http.StatusNotFound},
		{"unknown assessment", "GET", "/api/assessments/nope", nil, http.StatusNotFound},
		{"list limit too large", "GET", "/api/assessments?limit=500", nil, http.StatusBadRequest},
		{"negative skip", "GET", "/api/assessments?skip=-1", nil, http.StatusBadRequest},
		{"threshold out of range", "GET", "/api/assessments/x/problem-frames?threshold=150", nil, http.StatusBadRequest},
		{"problem limit zero", "GET", "/api/assessments/x/problem-frames?limit=0", nil, http.StatusBadRequest},
		{"frames limit too large", "GET", "/api/assessments/x/frames?limit=20000", nil, http.StatusBadRequest},
		{"compare one id", "POST", "/api/assessments/compare", CompareRequest{AssessmentIDs: []string{"a"}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := api.do(t, tt.method, tt.path, tt.body, true); rr.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	api := newTestAPI(t, 1, true)

	req := httptest.NewRequest("POST", "/api/assessments", bytes.NewBufferString("not json"))
	req.Header.Set("Authorization", "Bearer "+api.token)
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCompletedAssessmentReads(t *testing.T) {
	api := newTestAPI(t, 2, true)

	ids := make([]string, 0, 2)
	for _, dist := range []string{"d1", "d2"} {
		rr := api.do(t, "POST", "/api/assessments", CreateAssessmentRequest{ReferenceVideoID: "ref", DistortedVideoID: dist, AutoStart: true}, true)
		if rr.Code != http.StatusCreated {
			t.Fatalf("create status = %d", rr.Code)
		}
		ids = append(ids, decode[CreateAssessmentResponse](t, rr).Assessment.ID)
	}
	api.svc.Wait()

	rr := api.do(t, "GET", "/api/assessments/"+ids[0]+"/frames?skip=1", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("frames status = %d: %s", rr.Code, rr.Body.String())
	}
	page := decode[assessment.FramePage](t, rr)
	if page.TotalFrames != 2 || len(page.Frames) != 1 || page.Frames[0].FrameNum != 1 {
		t.Errorf("frames page = %+v", page)
	}

	if rr := api.do(t, "GET", "/api/assessments/"+ids[0]+"/statistics", nil, false); rr.Code != http.StatusOK {
		t.Errorf("statistics status = %d", rr.Code)
	}

	rr = api.do(t, "GET", "/api/assessments/"+ids[0]+"/problem-frames", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("problem frames status = %d", rr.Code)
	}
	problems := decode[ProblemFramesResponse](t, rr)
	if problems.Threshold != DefaultThreshold || len(problems.Frames) != 1 || problems.Frames[0].FrameNum != 1 {
		t.Errorf("problem frames = %+v", problems)
	}

	rr = api.do(t, "POST", "/api/assessments/compare", CompareRequest{AssessmentIDs: ids}, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("compare status = %d: %s", rr.Code, rr.Body.String())
	}
	if cmp := decode[assessment.Comparison](t, rr); len(cmp.Items) != 2 || cmp.ReferenceVideo == nil {
		t.Errorf("comparison = %+v", cmp)
	}
}

func TestBatchRoutes(t *testing.T) {
	api := newTestAPI(t, 1, false)

	if rr := api.do(t, "POST", "/api/batches", CreateBatchRequest{ReferenceVideoID: "ref", DistortedVideoIDs: make([]string, 11)}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("oversized batch status = %d, want 400", rr.Code)
	}
	if rr := api.do(t, "GET", "/api/batches/nope", nil, false); rr.Code != http.StatusNotFound {
		t.Errorf("unknown batch status = %d, want 404", rr.Code)
	}

	rr := api.do(t, "POST", "/api/batches", CreateBatchRequest{ReferenceVideoID: "ref", DistortedVideoIDs: []string{"d1", "d2"}, AutoStart: true}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create batch status = %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[CreateBatchResponse](t, rr)
	if len(created.Assessments) != 2 || created.Started == nil || created.Started.BatchIndex != 0 {
		t.Fatalf("created batch = %+v", created)
	}

	rr = api.do(t, "GET", "/api/batches/"+created.BatchID, nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("batch status = %d", rr.Code)
	}
	st := decode[batch.Status](t, rr)
	if st.Total != 2 || st.Running != 1 || st.Pending != 1 {
		t.Errorf("batch counts = %+v", st)
	}
}

func TestVideoRoutes(t *testing.T) {
	api := newTestAPI(t, 1, true)

	if rr := api.do(t, "POST", "/api/videos", video.Registration{Path: "/media/new.mp4", Role: models.RoleReference}, false); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated register status = %d, want 401", rr.Code)
	}
	if rr := api.do(t, "POST", "/api/videos", video.Registration{Path: "/media/broken.mp4", Role: models.RoleReference}, true); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("broken register status = %d, want 422", rr.Code)
	}

	rr := api.do(t, "POST", "/api/videos", video.Registration{Path: "/media/new.mp4", Role: models.RoleReference}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rr.Code, rr.Body.String())
	}
	v := decode[models.VideoAsset](t, rr)

	if rr := api.do(t, "PATCH", "/api/videos/"+v.ID, UpdateVideoRequest{Role: "source"}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", rr.Code)
	}
	rr = api.do(t, "PATCH", "/api/videos/"+v.ID, UpdateVideoRequest{Role: models.RoleDistorted}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d", rr.Code)
	}
	if got := decode[models.VideoAsset](t, rr); got.Role != models.RoleDistorted {
		t.Errorf("role = %q, want distorted", got.Role)
	}

	rr = api.do(t, "GET", "/api/videos?role=distorted", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if got := decode[map[string][]models.VideoAsset](t, rr); len(got["videos"]) != 4 {
		t.Errorf("distorted videos = %d, want 4", len(got["videos"]))
	}

	if rr := api.do(t, "DELETE", "/api/videos/"+v.ID, nil, true); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	if rr := api.do(t, "GET", "/api/videos/"+v.ID, nil, false); rr.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rr.Code)
	}
}

func TestMetricsEndpointInternalOnly(t *testing.T) {
	api := newTestAPI(t, 1, true)

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       int
	}{
		{"loopback", "127.0.0.1:5000", "", http.StatusOK},
		{"public", "203.0.113.7:5000", "", http.StatusForbidden},
		{"through proxy", "10.0.0.2:5000", "203.0.113.7", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rr := httptest.NewRecorder()
			api.handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{"empty allowed", "", false},
		{"plain", "clip.mp4", false},
		{"separator", "../clip.mp4", true},
		{"backslash", `a\b.mp4`, true},
		{"too long", string(bytes.Repeat([]byte("a"), MaxFilenameLength+1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilename(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateFilename(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	allowedOrigins := []string{"https://example.com", "https://test.com"}
	middleware := CORSMiddleware(allowedOrigins)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://malicious.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("Status = %d, want %d", rr.Code, http.StatusNoContent)
		}
	})
}

func TestIsInternalRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       bool
	}{
		{"localhost", "127.0.0.1:8080", true},
		{"10.x network", "10.0.0.1:12345", true},
		{"172.16.x network", "172.16.0.1:12345", true},
		{"192.168.x network", "192.168.1.1:12345", true},
		{"public IP", "203.0.113.1:12345", false},
		{"another public IP", "8.8.8.8:53", false},
		{"ipv6 loopback", "[::1]:8080", true},
		{"ipv6 unique local", "[fd00::1]:8080", true},
		{"ipv6 public", "[2001:db8::1]:443", false},
		{"missing port", "10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInternalRequest(tt.remoteAddr); got != tt.want {
				t.Errorf("isInternalRequest(%q) = %v, want %v", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
