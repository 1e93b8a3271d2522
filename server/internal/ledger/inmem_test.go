package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"crisis-drill/server/internal/model"
)

// TestTryClaimOnlyOnce 并发抢占同一 inject，只能有一个成功。
func TestTryClaimOnlyOnce(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryClaim(ctx, &model.PublishedInject{SessionID: "s1", InjectID: "i1"})
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins.Load())
	}
	recs, _ := s.ListPublished(ctx, "s1")
	if len(recs) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(recs))
	}

	// 其他会话不受影响
	ok, _ := s.TryClaim(ctx, &model.PublishedInject{SessionID: "s2", InjectID: "i1"})
	if !ok {
		t.Fatalf("claim for another session should succeed")
	}
}

func TestRecordFailureFlagsAtThreshold(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	var st *model.InjectStatus
	for i := 0; i < 3; i++ {
		st, _ = s.RecordFailure(ctx, "s1", "i1", "provider_timeout", 3)
	}
	if st.Attempts != 3 || !st.Flagged {
		t.Fatalf("expected flagged after 3 attempts, got %+v", st)
	}
	if st.State != model.InjectPendingGeneration {
		t.Fatalf("flagged inject stays pending, got %s", st.State)
	}

	if ok, _ := s.TryClaim(ctx, &model.PublishedInject{SessionID: "s1", InjectID: "i1"}); !ok {
		t.Fatalf("claim should succeed")
	}
	statuses, _ := s.ListStatuses(ctx, "s1")
	if len(statuses) != 1 || statuses[0].State != model.InjectPublished {
		t.Fatalf("expected published status, got %+v", statuses)
	}
}

func TestMarkNeedsReview(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.MarkNeedsReview(ctx, "s1", "bad", "condition invalid"); err != nil {
		t.Fatalf("MarkNeedsReview: %v", err)
	}
	statuses, _ := s.ListStatuses(ctx, "s1")
	review := NeedsReview(statuses)
	if !review["bad"] {
		t.Fatalf("expected needs review, got %v", review)
	}
}
