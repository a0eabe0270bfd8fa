package directory

import (
	"context"
	"testing"
	"time"

	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

func newTestDirectory(t *testing.T) (*Directory, *time.Time) {
	t.Helper()
	clock := time.UnixMilli(1_700_000_000_000)
	d := New(storage.NewMemory(), logx.Nop())
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestUpsertIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDirectory(t)

	p := model.Profile{Username: " ann ", FirstName: "Ann"}
	a, err := d.Upsert(ctx, "b", 1, p)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	b, err := d.Upsert(ctx, "b", 1, p)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if a.Profile != b.Profile || a.Username != "ann" {
		t.Fatalf("not idempotent: %+v vs %+v", a, b)
	}
}

func TestUpsertKeepsExistingFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDirectory(t)

	if _, err := d.Upsert(ctx, "b", 1, model.Profile{Username: "ann", LanguageCode: "de"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r, err := d.Upsert(ctx, "b", 1, model.Profile{Username: "   ", FirstName: "Ann"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if r.Username != "ann" || r.LanguageCode != "de" || r.FirstName != "Ann" {
		t.Fatalf("profile = %+v", r.Profile)
	}
}

func TestMarkEngagedIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, clock := newTestDirectory(t)

	if _, err := d.Upsert(ctx, "b", 1, model.Profile{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	first := *clock
	if err := d.MarkEngaged(ctx, "b", 1); err != nil {
		t.Fatalf("MarkEngaged: %v", err)
	}
	*clock = clock.Add(time.Hour)
	if err := d.MarkEngaged(ctx, "b", 1); err != nil {
		t.Fatalf("MarkEngaged: %v", err)
	}
	r, _ := d.Get(ctx, "b", 1)
	if r.EngagedAt == nil || !r.EngagedAt.Equal(first) {
		t.Fatalf("engaged_at = %v, want %v", r.EngagedAt, first)
	}
}

func TestReachabilityAndEligibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDirectory(t)

	for _, id := range []int64{1, 2} {
		if _, err := d.Upsert(ctx, "b", id, model.Profile{}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := d.MarkEngaged(ctx, "b", id); err != nil {
			t.Fatalf("MarkEngaged: %v", err)
		}
	}
	if err := d.MarkReachable(ctx, "b", 2, false); err != nil {
		t.Fatalf("MarkReachable: %v", err)
	}

	got, err := d.EligibleForBroadcast(ctx, "b")
	if err != nil {
		t.Fatalf("EligibleForBroadcast: %v", err)
	}
	if len(got) != 1 || got[0].UserID != 1 {
		t.Fatalf("eligible = %+v", got)
	}

	if err := d.MarkDelivered(ctx, "b", 2); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	got, _ = d.EligibleForBroadcast(ctx, "b")
	if len(got) != 2 {
		t.Fatalf("eligible after delivery = %d, want 2", len(got))
	}
}

func TestEligibleIsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDirectory(t)

	if _, err := d.Upsert(ctx, "b", 1, model.Profile{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	_ = d.MarkEngaged(ctx, "b", 1)
	snap, _ := d.EligibleForBroadcast(ctx, "b")

	if _, err := d.Upsert(ctx, "b", 2, model.Profile{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	_ = d.MarkEngaged(ctx, "b", 2)
	if len(snap) != 1 {
		t.Fatalf("snapshot changed after later insert: %d", len(snap))
	}
}
