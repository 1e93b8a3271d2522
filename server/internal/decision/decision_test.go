package decision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crisis-drill/server/internal/model"
)

func TestTransitionPaths(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		from, to model.DecisionStatus
		ok       bool
	}{
		{model.DecisionProposed, model.DecisionUnderReview, true},
		{model.DecisionUnderReview, model.DecisionApproved, true},
		{model.DecisionUnderReview, model.DecisionRejected, true},
		{model.DecisionApproved, model.DecisionExecuted, true},
		{model.DecisionApproved, model.DecisionCancelled, true},
		{model.DecisionProposed, model.DecisionExecuted, false},
		{model.DecisionRejected, model.DecisionExecuted, false},
		{model.DecisionExecuted, model.DecisionCancelled, false},
	}
	for _, tc := range cases {
		d := &model.Decision{ID: "d", Status: tc.from}
		err := Transition(d, tc.to, now)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if tc.ok && tc.to == model.DecisionExecuted && d.ExecutedAt == nil {
			t.Fatalf("executed decision must record ExecutedAt")
		}
	}
}

// TestApplyExecutesOnce 并发执行同一决策只有一个成功。
func TestApplyExecutesOnce(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &model.Decision{ID: "d1", SessionID: "s1", Status: model.DecisionApproved}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Apply(ctx, store, "d1", model.DecisionExecuted, time.Now()); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", ok.Load())
	}
}
