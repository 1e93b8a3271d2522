package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/fanout"
	"crisis-drill/server/internal/generator"
	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/llm/llmtest"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/orchestrator"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/timeline"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const drillYAML = `
id: harbour-fire
title: Harbour fire
injects:
  - id: smoke-plume
    title: Smoke plume drifts inland
    content: Residents report a thick plume.
    severity: medium
    trigger_time_minutes: 0
  - id: shelter-row
    title: Shelter dispute
    content: Two shelters refuse to share supplies.
    severity: high
    trigger_condition: "category:evacuation"
  - id: press-leak
    title: Press leak
    content: A journalist has the internal briefing.
    severity: low
    trigger_time_minutes: 45
objectives:
  - id: protect-public
    title: Protect the public
    rules:
      - condition: "category:evacuation"
        kind: bonus
        points: 10
        reason: Timely evacuation
`

type testServer struct {
	srv       *httptest.Server
	deps      Deps
	ledger    *ledger.InMemoryStore
	snapshots *escalation.InMemoryStore
	pipeline  *orchestrator.Pipeline
	llm       *llmtest.MockClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	scenarios := scenario.NewInMemoryRepo()
	def, err := scenario.Parse([]byte(drillYAML))
	require.NoError(t, err)
	require.NoError(t, scenarios.Upsert(ctx, def))

	sessions := session.NewInMemoryStore()
	led := ledger.NewInMemoryStore()
	events := timeline.NewInMemoryStore()
	snapshots := escalation.NewInMemoryStore()
	decisions := decision.NewInMemoryStore()
	classes := classifier.NewInMemoryStore()
	hub := fanout.NewHub("", nil)
	t.Cleanup(hub.Close)
	mock := llmtest.NewMockClient()

	stores := orchestrator.Stores{
		Sessions:        sessions,
		Ledger:          led,
		Statuses:        led,
		Timeline:        events,
		Snapshots:       snapshots,
		Decisions:       decisions,
		Classifications: classes,
	}
	objectives := objective.NewService(objective.NewInMemoryStore(), nil)
	pipeline := orchestrator.NewPipeline(stores, generator.New(mock, nil, nil, time.Second), objectives, hub, nil, nil, 3)
	evaluator := orchestrator.NewDecisionEvaluator(stores, scenarios, classifier.New(mock, classes, nil, nil, time.Second), objectives, pipeline, nil)

	deps := Deps{
		Sessions:     orchestrator.NewSessions(sessions, scenarios, objectives, nil),
		Evaluator:    evaluator,
		Objectives:   objectives,
		Hub:          hub,
		SessionStore: sessions,
		Scenarios:    scenarios,
		Decisions:    decisions,
		Timeline:     events,
		Ledger:       led,
		Statuses:     led,
		Snapshots:    snapshots,
	}
	cfg := config.Default()
	srv := httptest.NewServer(NewServer(&cfg, deps).Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, deps: deps, ledger: led, snapshots: snapshots, pipeline: pipeline, llm: mock}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// startSession 通过 API 创建并启动会话。
func (ts *testServer) startSession(t *testing.T, id string) {
	t.Helper()
	resp := ts.post(t, "/api/sessions", map[string]string{"id": id, "scenario_id": "harbour-fire"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for _, status := range []string{"lobby", "in_progress"} {
		resp = ts.post(t, "/api/sessions/"+id+"/transition", map[string]string{"status": status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing scenario", map[string]string{"id": "s1"}, http.StatusBadRequest},
		{"unknown scenario", map[string]string{"scenario_id": "nope"}, http.StatusNotFound},
		{"ok", map[string]string{"id": "s1", "scenario_id": "harbour-fire"}, http.StatusCreated},
		{"duplicate", map[string]string{"id": "s1", "scenario_id": "harbour-fire"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, "/api/sessions", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSessionTransitionRejectsInvalidMove(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/api/sessions", map[string]string{"id": "s1", "scenario_id": "harbour-fire"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.post(t, "/api/sessions/s1/transition", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.post(t, "/api/sessions/missing/transition", map[string]string{"status": "lobby"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestDecisionExecutionPublishesAndScores 执行决策后返回评估结果，训练员队列与目标进度同步更新。
func TestDecisionExecutionPublishesAndScores(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")
	ts.llm.SetResponse(classifier.SchemaName, map[string]any{
		"categories":    []string{"evacuation"},
		"keywords":      []string{"shelter"},
		"semantic_tags": []string{},
	})

	resp := ts.post(t, "/api/sessions/s1/decisions", map[string]string{"id": "d1", "title": "Open two shelters"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, status := range []string{"under_review", "approved"} {
		resp = ts.post(t, "/api/sessions/s1/decisions/d1/transition", map[string]string{"status": status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = ts.post(t, "/api/sessions/s1/decisions/d1/transition", map[string]string{"status": "executed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out decisionTransitionResponse
	decode(t, resp, &out)
	assert.Equal(t, model.DecisionExecuted, out.Decision.Status)
	require.NotNil(t, out.Evaluation)
	assert.Equal(t, []string{"shelter-row"}, out.Evaluation.Published)
	assert.Len(t, out.Evaluation.Scored, 1)

	resp = ts.post(t, "/api/sessions/s1/decisions/d1/transition", map[string]string{"status": "executed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "executed is terminal")

	var queue []injectQueueEntry
	decode(t, ts.get(t, "/api/sessions/s1/injects"), &queue)
	require.Len(t, queue, 3)
	states := map[string]model.InjectState{}
	for _, e := range queue {
		states[e.InjectID] = e.State
	}
	assert.Equal(t, model.InjectPublished, states["shelter-row"])
	assert.Equal(t, model.InjectWaiting, states["smoke-plume"])

	var progress []model.ObjectiveProgress
	decode(t, ts.get(t, "/api/sessions/s1/objectives"), &progress)
	require.Len(t, progress, 1)
	assert.Equal(t, 10.0, progress[0].Progress)

	var events []model.SessionEvent
	decode(t, ts.get(t, "/api/sessions/s1/events"), &events)
	require.Len(t, events, 1)
	assert.Equal(t, "shelter-row", events[0].Payload.InjectID)
}

func TestDecisionEvaluationFailureReturnsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")

	require.NoError(t, ts.deps.Decisions.Create(context.Background(), &model.Decision{ID: "d1", SessionID: "s1", Title: "Evacuate", Status: model.DecisionApproved}))
	resp := ts.post(t, "/api/sessions/s1/decisions/d1/transition", map[string]string{"status": "executed"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "decision evaluation failed", body["error"])
	assert.NotContains(t, body["error"], "canned")
}

func TestDecisionBelongsToSession(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")
	ts.startSession(t, "s2")
	resp := ts.post(t, "/api/sessions/s1/decisions", map[string]string{"id": "d1", "title": "Close the port"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.post(t, "/api/sessions/s2/decisions/d1/transition", map[string]string{"status": "under_review"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInjectQueueShowsFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")
	ctx := context.Background()
	_, err := ts.ledger.RecordFailure(ctx, "s1", "press-leak", "provider timeout", 1)
	require.NoError(t, err)

	var queue []injectQueueEntry
	decode(t, ts.get(t, "/api/sessions/s1/injects"), &queue)
	for _, e := range queue {
		if e.InjectID != "press-leak" {
			continue
		}
		assert.Equal(t, model.InjectPendingGeneration, e.State)
		assert.Equal(t, 1, e.Attempts)
		assert.True(t, e.Flagged)
		return
	}
	t.Fatalf("press-leak missing from queue: %+v", queue)
}

func TestEscalationEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")

	resp := ts.get(t, "/api/sessions/s1/escalation")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, ts.snapshots.Append(context.Background(), &model.EscalationSnapshot{
		ID:          "snap-1",
		SessionID:   "s1",
		EvaluatedAt: time.Now(),
		Factors:     []model.EscalationFactor{{ID: "ef-1", Name: "wind", Severity: model.SeverityHigh}},
	}))
	resp = ts.get(t, "/api/sessions/s1/escalation")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.EscalationSnapshot
	decode(t, resp, &snap)
	assert.Equal(t, "snap-1", snap.ID)
}

func TestValidateScenario(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/scenarios/validate", drillYAML)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok map[string]any
	decode(t, resp, &ok)
	assert.Equal(t, true, ok["valid"])
	assert.EqualValues(t, 3, ok["injects"])

	bad := strings.Replace(drillYAML, `trigger_time_minutes: 45`, `scope: team_specific`, 1)
	resp = ts.post(t, "/api/scenarios/validate", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.post(t, "/api/scenarios/validate", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestStreamDeliversPublishedInjects websocket 订阅者收到计时路径发布的注入。
func TestStreamDeliversPublishedInjects(t *testing.T) {
	ts := newTestServer(t)
	ts.startSession(t, "s1")

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/sessions/s1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.deps.Hub.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)

	injects, err := ts.deps.Scenarios.ListInjects(context.Background(), "harbour-fire")
	require.NoError(t, err)
	sc, err := ts.deps.Scenarios.GetScenario(context.Background(), "harbour-fire")
	require.NoError(t, err)
	ok, err := ts.pipeline.Publish(context.Background(), orchestrator.PublishRequest{
		SessionID: "s1",
		Scenario:  *sc,
		Inject:    injects[0],
		Trigger:   generator.Trigger{Path: model.PathTime},
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt fanout.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "smoke-plume", evt.Payload.InjectID)
	assert.Equal(t, "s1", evt.SessionID)
}

func TestStreamUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/api/sessions/missing/stream")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
