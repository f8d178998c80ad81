//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-forge/internal/config"
	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/forge"
	"github.com/ashureev/shsh-forge/internal/negotiation"
	"github.com/ashureev/shsh-forge/internal/progress"
	"github.com/ashureev/shsh-forge/internal/store"
)

type fakeService struct {
	bus        *progress.Bus
	threads    map[string]*domain.Thread
	startErr   error
	submission *domain.Submission
	messages   []string
}

func newFakeService() *fakeService {
	return &fakeService{
		bus:     progress.NewBus(progress.Config{BufferSize: 16}),
		threads: map[string]*domain.Thread{"t1": {ID: "t1", State: domain.StateReady}},
	}
}

func (f *fakeService) CreateThread(_ context.Context, learningMode bool) (*forge.CreateThreadResult, error) {
	f.threads["t2"] = &domain.Thread{ID: "t2", State: domain.StateDraft, LearningMode: learningMode}
	return &forge.CreateThreadResult{ThreadID: "t2", InitialPrompt: "What language?"}, nil
}

func (f *fakeService) GetThread(_ context.Context, id string) (*domain.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return nil, fmt.Errorf("get thread %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeService) PostMessage(_ context.Context, id, message string) (*negotiation.TurnResult, error) {
	if _, ok := f.threads[id]; !ok {
		return nil, store.ErrNotFound
	}
	f.messages = append(f.messages, message)
	return &negotiation.TurnResult{Accepted: true, State: domain.StateClarifying, NextPrompt: "How many?"}, nil
}

func (f *fakeService) StartGeneration(_ context.Context, id string) (*forge.RunHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.bus.Open(id)
	return &forge.RunHandle{ThreadID: id}, nil
}

func (f *fakeService) SubscribeProgress(id string, after int64) (*progress.Subscription, error) {
	return f.bus.Subscribe(id, after)
}

func (f *fakeService) Unsubscribe(sub *progress.Subscription) { f.bus.Unsubscribe(sub) }

func (f *fakeService) Dropped(sub *progress.Subscription) bool { return f.bus.Dropped(sub) }

func (f *fakeService) ListActivities(context.Context) ([]*domain.Activity, error) {
	return []*domain.Activity{{ID: "a1", Title: "Python practice: strings"}}, nil
}

func (f *fakeService) GetActivity(_ context.Context, id string) (*domain.Activity, error) {
	if id != "a1" {
		return nil, store.ErrNotFound
	}
	return &domain.Activity{ID: "a1"}, nil
}

func (f *fakeService) PublishActivity(_ context.Context, id string, limit *int) (*domain.Activity, error) {
	if limit != nil && *limit <= 0 {
		return nil, fmt.Errorf("publish: %w", forge.ErrInvalidInput)
	}
	return &domain.Activity{ID: id, Status: domain.ActivityPublished, TimeLimitMinutes: limit}, nil
}

func (f *fakeService) SubmitSolution(context.Context, string, string, forge.SubmissionRequest) (*domain.Submission, error) {
	return f.submission, nil
}

type fakeProvider struct {
	cfg config.ProviderConfig
}

func (p *fakeProvider) Provider() config.ProviderConfig {
	cfg := p.cfg
	cfg.APIKey = ""
	return cfg
}

func (p *fakeProvider) Reconfigure(cfg config.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.cfg = cfg
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newRouter(svc Service, o Options) http.Handler {
	o.Service = svc
	h := NewHandler(o)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestThreadRoutes(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc, Options{})

	w := do(t, r, http.MethodPost, "/api/threads", `{"learning_mode":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created forge.CreateThreadResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "t2", created.ThreadID)
	assert.True(t, svc.threads["t2"].LearningMode)

	w = do(t, r, http.MethodPost, "/api/threads", "")
	assert.Equal(t, http.StatusCreated, w.Code, "empty body uses defaults")

	w = do(t, r, http.MethodGet, "/api/threads/t1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/threads/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/threads/t1/messages", `{"message":"python"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"python"}, svc.messages)
	assert.Contains(t, w.Body.String(), `"next_prompt":"How many?"`)

	w = do(t, r, http.MethodPost, "/api/threads/t1/messages", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageRateLimited(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc, Options{ChatRateLimit: 0.001, ChatRateBurst: 2})

	for i := 0; i < 2; i++ {
		w := do(t, r, http.MethodPost, "/api/threads/t1/messages", `{"message":"python"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/threads/t1/messages", `{"message":"python"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Len(t, svc.messages, 2)
}

func TestRequestBodyTooLarge(t *testing.T) {
	r := newRouter(newFakeService(), Options{})
	body := `{"message":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	w := do(t, r, http.MethodPost, "/api/threads/t1/messages", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGenerate(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc, Options{})

	w := do(t, r, http.MethodPost, "/api/threads/t1/generate", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "/api/threads/t1/progress")

	svc.startErr = fmt.Errorf("start generation: %w: thread is DRAFT", forge.ErrInvalidState)
	w = do(t, r, http.MethodPost, "/api/threads/t1/generate", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	svc.startErr = errors.New("disk on fire")
	w = do(t, r, http.MethodPost, "/api/threads/t1/generate", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func publishRun(bus *progress.Bus, runID string) {
	bus.Open(runID)
	bus.Publish(runID, progress.Event{Kind: progress.KindRunStarted, Total: 1})
	bus.Publish(runID, progress.ForSlot(progress.KindSlotStarted, 0))
	bus.Publish(runID, progress.ForSlot(progress.KindSlotCompleted, 0))
	bus.Publish(runID, progress.Event{Kind: progress.KindRunCompleted, ActivityID: "a1"})
}

func TestStreamProgressReplaysAfterLastEventID(t *testing.T) {
	svc := newFakeService()
	publishRun(svc.bus, "t1")
	r := newRouter(svc, Options{SSERetryDelay: 3 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/api/threads/t1/progress", nil)
	req.Header.Set("Last-Event-ID", "2")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "retry: 3000\n\n"))
	assert.NotContains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\nevent: slot-completed\n")
	assert.Contains(t, body, "id: 4\nevent: run-completed\n")
	assert.Contains(t, body, `"activity_id":"a1"`)
}

func TestStreamProgressQueryParam(t *testing.T) {
	svc := newFakeService()
	publishRun(svc.bus, "t1")
	r := newRouter(svc, Options{})

	w := do(t, r, http.MethodGet, "/api/threads/t1/progress?lastEventId=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "id: 3\n")
	assert.Contains(t, w.Body.String(), "id: 4\n")
}

func TestStreamProgressUnknownRun(t *testing.T) {
	r := newRouter(newFakeService(), Options{})

	w := do(t, r, http.MethodGet, "/api/threads/nope/progress", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWriteEventHeartbeatHasNoID(t *testing.T) {
	var b strings.Builder
	require.NoError(t, writeEvent(&b, progress.Event{Seq: 7, Kind: progress.KindHeartbeat}))
	assert.True(t, strings.HasPrefix(b.String(), "event: heartbeat\n"))
	assert.NotContains(t, b.String(), "id:")
}

func TestProgressSocketStreamsAndCloses(t *testing.T) {
	svc := newFakeService()
	publishRun(svc.bus, "t1")
	srv := httptest.NewServer(newRouter(svc, Options{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/threads/t1/progress?after=2"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.CloseNow() }()

	var kinds []progress.Kind
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []progress.Kind{progress.KindSlotCompleted, progress.KindRunCompleted}, kinds)
}

func TestActivityRoutes(t *testing.T) {
	svc := newFakeService()
	svc.submission = &domain.Submission{ID: "s1", Success: true, Passed: []string{"case_1"}}
	r := newRouter(svc, Options{})

	w := do(t, r, http.MethodGet, "/api/activities", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Python practice: strings")

	w = do(t, r, http.MethodGet, "/api/activities/zzz", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/activities/a1/publish", `{"time_limit_minutes":30}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"published"`)

	w = do(t, r, http.MethodPost, "/api/activities/a1/publish", `{"time_limit_minutes":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/activities/a1/problems/p1/submissions", `{"source":"def solve(s): return s"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestProviderRoutes(t *testing.T) {
	p := &fakeProvider{cfg: config.ProviderConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "secret"}}
	r := newRouter(newFakeService(), Options{Provider: p})

	w := do(t, r, http.MethodGet, "/api/provider", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	w = do(t, r, http.MethodPut, "/api/provider", `{"provider":"ollama","model":"llama3","base_url":"http://localhost:11434/v1","timeout":"2m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.ProviderOllama, p.cfg.Provider)
	assert.Equal(t, 2*time.Minute, p.cfg.Timeout)

	w = do(t, r, http.MethodPut, "/api/provider", `{"provider":"cohere"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, config.ProviderOllama, p.cfg.Provider)

	w = do(t, r, http.MethodPut, "/api/provider", `{"provider":"ollama","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	r := newRouter(newFakeService(), Options{Health: fakePinger{}})
	w := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	r = newRouter(newFakeService(), Options{Health: fakePinger{err: errors.New("closed")}})
	w = do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(newFakeService(), Options{})
	w := do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestThreadLimiterIsPerThread(t *testing.T) {
	l := newThreadLimiter(0.001, 1)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}
