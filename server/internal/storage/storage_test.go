package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "drill.db") + "?_busy_timeout=5000"
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, logger.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestOpenRejectsMemoryDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "memory"}, logger.Nop())
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

// TestTryClaimConcurrent 并发认领同一注入，台账只会有一行。
func TestTryClaimConcurrent(t *testing.T) {
	repo := NewLedgerRepo(openTestDB(t))
	ctx := context.Background()

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.TryClaim(ctx, &model.PublishedInject{
				SessionID: "s1",
				InjectID:  "smoke-plume",
				Path:      model.PathTime,
				Title:     fmt.Sprintf("attempt %d", i),
			})
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			if ok {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	rows, err := repo.ListPublished(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	published, err := repo.IsPublished(ctx, "s1", "smoke-plume")
	require.NoError(t, err)
	assert.True(t, published)
	published, err = repo.IsPublished(ctx, "s2", "smoke-plume")
	require.NoError(t, err)
	assert.False(t, published)
}

func TestRecordFailureFlagsAtThreshold(t *testing.T) {
	repo := NewLedgerRepo(openTestDB(t))
	ctx := context.Background()

	var st *model.InjectStatus
	var err error
	for i := 0; i < 3; i++ {
		st, err = repo.RecordFailure(ctx, "s1", "press-leak", "timeout", 3)
		require.NoError(t, err)
		if i < 2 {
			assert.False(t, st.Flagged, "attempt %d", i+1)
		}
	}
	assert.Equal(t, 3, st.Attempts)
	assert.True(t, st.Flagged)
	assert.Equal(t, model.InjectPendingGeneration, st.State)

	require.NoError(t, repo.MarkNeedsReview(ctx, "s1", "evac-backlash", "bad condition"))
	ok, err := repo.TryClaim(ctx, &model.PublishedInject{SessionID: "s1", InjectID: "press-leak"})
	require.NoError(t, err)
	require.True(t, ok)

	statuses, err := repo.ListStatuses(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, model.InjectNeedsReview, statuses[0].State)
	assert.Equal(t, model.InjectPublished, statuses[1].State)
}

func TestSessionRepoOptimisticUpdate(t *testing.T) {
	repo := NewSessionRepo(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.Session{ID: "s1", ScenarioID: "harbour-fire", Status: model.SessionLobby}))
	assert.ErrorIs(t, repo.Create(ctx, &model.Session{ID: "s1", ScenarioID: "x", Status: model.SessionLobby}), session.ErrAlreadyExists)

	a, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "s1")
	require.NoError(t, err)

	a.CurrentState = map[string]any{model.StateScenarioTimeMinutes: 4}
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(1), a.Version)
	assert.ErrorIs(t, repo.Update(ctx, b), session.ErrVersionConflict)

	_, err = session.UpdateState(ctx, repo, "s1", func(state map[string]any) {
		state[model.StateInjectsPublished] = 1
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.EqualValues(t, 4, got.CurrentState[model.StateScenarioTimeMinutes])
	assert.EqualValues(t, 1, got.CurrentState[model.StateInjectsPublished])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	list, err := repo.ListByStatus(ctx, model.SessionLobby)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// TestSnapshotRoundTrip 快照的因素与路径按原样写入和读回。
func TestSnapshotRoundTrip(t *testing.T) {
	repo := NewSnapshotRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Latest(ctx, "s1")
	assert.ErrorIs(t, err, escalation.ErrNoSnapshot)

	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	factors := make([]model.EscalationFactor, 5)
	for i := range factors {
		factors[i] = model.EscalationFactor{ID: fmt.Sprintf("ef-%d", i+1), Name: fmt.Sprintf("factor %d", i+1), Severity: model.SeverityHigh}
	}
	deEsc := []model.EscalationPathway{
		{ID: "dp-1", Trajectory: "calm", Behaviours: []string{"brief press"}},
		{ID: "dp-2", Trajectory: "contain", Behaviours: []string{"cordon"}, EmergingChallenges: []string{"traffic", "supply"}},
		{ID: "dp-3", Trajectory: "recover", Behaviours: []string{"reopen"}, EmergingChallenges: []string{"fatigue"}},
	}
	first := &model.EscalationSnapshot{ID: "snap-1", SessionID: "s1", EvaluatedAt: t0, Factors: factors[:3]}
	second := &model.EscalationSnapshot{ID: "snap-2", SessionID: "s1", EvaluatedAt: t0.Add(5 * time.Minute), Factors: factors, DeEscalationPathways: deEsc}
	require.NoError(t, repo.Append(ctx, second))
	require.NoError(t, repo.Append(ctx, first))

	latest, err := repo.Latest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.ID)
	assert.Len(t, latest.Factors, 5)
	require.Len(t, latest.DeEscalationPathways, 3)
	assert.Empty(t, latest.DeEscalationPathways[0].EmergingChallenges)
	assert.Len(t, latest.DeEscalationPathways[1].EmergingChallenges, 2)

	all, err := repo.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "snap-1", all[0].ID)
}

func TestTimelineAppendIdempotent(t *testing.T) {
	repo := NewTimelineRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Append(ctx, &model.SessionEvent{SessionID: "s1", EventType: model.EventTypeInject})
	assert.ErrorIs(t, err, timeline.ErrEventIDRequired)

	payload := model.InjectPayload{InjectID: "smoke-plume", Scope: model.ScopeUniversal, Title: "Smoke"}
	seq1, err := repo.Append(ctx, timeline.NewInjectEvent("e1", "s1", payload))
	require.NoError(t, err)
	seq2, err := repo.Append(ctx, timeline.NewInjectEvent("e2", "s1", payload))
	require.NoError(t, err)
	again, err := repo.Append(ctx, timeline.NewInjectEvent("e1", "s1", payload))
	require.NoError(t, err)

	assert.Greater(t, seq2, seq1)
	assert.Equal(t, seq1, again)

	events, err := repo.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "smoke-plume", events[0].Payload.InjectID)
	assert.Nil(t, events[0].Actor)
}

func TestDecisionAndClassificationRepos(t *testing.T) {
	db := openTestDB(t)
	decisions := NewDecisionRepo(db)
	classes := NewClassificationRepo(db)
	ctx := context.Background()

	require.NoError(t, decisions.Create(ctx, &model.Decision{ID: "d1", SessionID: "s1", Title: "Evacuate", Status: model.DecisionApproved}))

	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	d, err := decision.Apply(ctx, decisions, "d1", model.DecisionExecuted, now)
	require.NoError(t, err)
	require.NotNil(t, d.ExecutedAt)

	stale := &model.Decision{ID: "d1", SessionID: "s1", Status: model.DecisionCancelled}
	assert.ErrorIs(t, decisions.Update(ctx, stale, model.DecisionApproved), decision.ErrInvalidTransition)

	_, err = classes.Get(ctx, "d1")
	assert.ErrorIs(t, err, classifier.ErrNotFound)

	stored, created, err := classes.Insert(ctx, &model.Classification{DecisionID: "d1", Categories: []string{"evacuation"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"evacuation"}, stored.Categories)

	stored, created, err = classes.Insert(ctx, &model.Classification{DecisionID: "d1", Categories: []string{"other"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"evacuation"}, stored.Categories)
}

func TestObjectiveRepoVersioning(t *testing.T) {
	repo := NewObjectiveRepo(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Initialize(ctx, "s1", []string{"protect-public", "inform-press"}))
	require.NoError(t, repo.Initialize(ctx, "s1", []string{"protect-public"}))

	list, err := repo.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	a, err := repo.Get(ctx, "s1", "protect-public")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "s1", "protect-public")
	require.NoError(t, err)

	a.Progress = 20
	a.Entries = append(a.Entries, model.ObjectiveEntry{Kind: model.RuleBonus, Points: 20, CauseDecisionID: "d1"})
	require.NoError(t, repo.Update(ctx, a))
	assert.ErrorIs(t, repo.Update(ctx, b), objective.ErrVersionConflict)

	got, err := repo.Get(ctx, "s1", "protect-public")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Progress)
	assert.True(t, got.HasEntry("d1", 0))
}

func TestScenarioRepoUpsert(t *testing.T) {
	repo := NewScenarioRepo(openTestDB(t))
	ctx := context.Background()

	ten := 10
	cond := "category:evacuation"
	def := &scenario.Definition{
		Scenario: model.Scenario{ID: "harbour-fire", Title: "Harbour fire"},
		Injects: []model.ScenarioInject{
			{ID: "smoke-plume", Severity: model.SeverityMedium, TriggerTimeMinutes: &ten, Content: "Smoke", Themes: []string{"environment"}},
			{ID: "evac-backlash", Severity: model.SeverityHigh, TriggerCondition: &cond},
		},
		Objectives: []model.ScenarioObjective{
			{ID: "protect-public", Title: "Protect", Rules: []model.ObjectiveRule{{Condition: cond, Kind: model.RuleBonus, Points: 10}}},
		},
	}
	require.NoError(t, repo.Upsert(ctx, def))

	// 再次导入时整体替换
	def.Injects = def.Injects[:1]
	require.NoError(t, repo.Upsert(ctx, def))

	injects, err := repo.ListInjects(ctx, "harbour-fire")
	require.NoError(t, err)
	require.Len(t, injects, 1)
	assert.Equal(t, []string{"environment"}, injects[0].Themes)
	assert.Equal(t, model.ScopeUniversal, injects[0].Scope)

	objs, err := repo.ListObjectives(ctx, "harbour-fire")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, model.RuleBonus, objs[0].Rules[0].Kind)

	_, err = repo.ListInjects(ctx, "missing")
	assert.ErrorIs(t, err, scenario.ErrNotFound)
}
