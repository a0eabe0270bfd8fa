package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	out := map[string]Store{"memory": NewMemory()}
	cfgs := map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "snap.json")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "botcast.db")},
	}
	for name, cfg := range cfgs {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		out[name] = st
	}
	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func seedBot(t *testing.T, st Store, id string) {
	t.Helper()
	err := st.CreateBot(context.Background(), model.BotIdentity{
		ID: id, Name: id, Token: "sealed-" + id, TokenHash: "hash-" + id, Active: true, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestBots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")

			dup := model.BotIdentity{ID: "b2", Name: "b2", Token: "x", TokenHash: "hash-b1", CreatedAt: time.Now()}
			if err := st.CreateBot(ctx, dup); !errors.Is(err, model.ErrConflict) {
				t.Fatalf("duplicate credential: err = %v, want ErrConflict", err)
			}

			if err := st.SetBotActive(ctx, "b1", false); err != nil {
				t.Fatalf("SetBotActive: %v", err)
			}
			if err := st.UpdateBotProfile(ctx, "b1", "Renamed", "long", "short"); err != nil {
				t.Fatalf("UpdateBotProfile: %v", err)
			}
			b, err := st.GetBot(ctx, "b1")
			if err != nil {
				t.Fatalf("GetBot: %v", err)
			}
			if b.Active || b.Name != "Renamed" || b.ShortDescription != "short" {
				t.Fatalf("unexpected bot: %+v", b)
			}

			if _, err := st.GetBot(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("GetBot(missing) err = %v", err)
			}
			if err := st.SetBotActive(ctx, "missing", true); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("SetBotActive(missing) err = %v", err)
			}
		})
	}
}

func TestUpsertNeverErases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			t0 := time.UnixMilli(1_700_000_000_000)

			_, err := st.UpsertRecipient(ctx, "b1", 42, model.Profile{Username: "ann", FirstName: "Ann", LanguageCode: "en"}, t0)
			if err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}
			t1 := t0.Add(time.Minute)
			r, err := st.UpsertRecipient(ctx, "b1", 42, model.Profile{LastName: "Lee"}, t1)
			if err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}
			want := model.Profile{Username: "ann", FirstName: "Ann", LastName: "Lee", LanguageCode: "en"}
			if r.Profile != want {
				t.Fatalf("profile = %+v, want %+v", r.Profile, want)
			}
			if r.LastSeenAt == nil || !r.LastSeenAt.Equal(t1) {
				t.Fatalf("last_seen_at = %v, want %v", r.LastSeenAt, t1)
			}
			if !r.CreatedAt.Equal(t0) {
				t.Fatalf("created_at changed: %v", r.CreatedAt)
			}
			if r.Blocked || r.EngagedAt != nil {
				t.Fatalf("new recipient should be unblocked and not engaged: %+v", r)
			}
		})
	}
}

func TestMarkEngagedFirstWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			t0 := time.UnixMilli(1_700_000_000_000)
			if _, err := st.EnsureRecipient(ctx, "b1", 7, t0); err != nil {
				t.Fatalf("EnsureRecipient: %v", err)
			}
			if err := st.MarkEngaged(ctx, "b1", 7, t0); err != nil {
				t.Fatalf("MarkEngaged: %v", err)
			}
			if err := st.MarkEngaged(ctx, "b1", 7, t0.Add(time.Hour)); err != nil {
				t.Fatalf("MarkEngaged: %v", err)
			}
			r, err := st.GetRecipient(ctx, "b1", 7)
			if err != nil {
				t.Fatalf("GetRecipient: %v", err)
			}
			if r.EngagedAt == nil || !r.EngagedAt.Equal(t0) {
				t.Fatalf("engaged_at = %v, want %v", r.EngagedAt, t0)
			}
			if err := st.MarkEngaged(ctx, "b1", 999, t0); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("MarkEngaged(unknown) err = %v", err)
			}
		})
	}
}

func TestEligibleAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			seedBot(t, st, "b2")
			now := time.Now()

			// 1: engaged, 2: engaged+blocked, 3: not engaged, 4: other bot.
			for _, id := range []int64{1, 2, 3} {
				if _, err := st.UpsertRecipient(ctx, "b1", id, model.Profile{}, now); err != nil {
					t.Fatalf("UpsertRecipient: %v", err)
				}
			}
			if _, err := st.UpsertRecipient(ctx, "b2", 4, model.Profile{}, now); err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}
			for _, k := range []struct {
				bot string
				id  int64
			}{{"b1", 1}, {"b1", 2}, {"b2", 4}} {
				if err := st.MarkEngaged(ctx, k.bot, k.id, now); err != nil {
					t.Fatalf("MarkEngaged: %v", err)
				}
			}
			if err := st.SetBlocked(ctx, "b1", 2, true, time.Time{}); err != nil {
				t.Fatalf("SetBlocked: %v", err)
			}

			got, err := st.ListEligible(ctx, "b1")
			if err != nil {
				t.Fatalf("ListEligible: %v", err)
			}
			if len(got) != 1 || got[0].UserID != 1 {
				t.Fatalf("eligible = %+v, want only user 1", got)
			}

			stats, err := st.BotStats(ctx, "b1")
			if err != nil {
				t.Fatalf("BotStats: %v", err)
			}
			want := model.BotStats{Total: 3, Engaged: 2, Blocked: 1, Eligible: 1}
			if stats != want {
				t.Fatalf("stats = %+v, want %+v", stats, want)
			}
		})
	}
}

func TestSetBlockedKeepsLastSeenWhenZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			t0 := time.UnixMilli(1_700_000_000_000)
			if _, err := st.UpsertRecipient(ctx, "b1", 5, model.Profile{}, t0); err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}
			if err := st.SetBlocked(ctx, "b1", 5, true, time.Time{}); err != nil {
				t.Fatalf("SetBlocked: %v", err)
			}
			r, _ := st.GetRecipient(ctx, "b1", 5)
			if !r.Blocked || r.LastSeenAt == nil || !r.LastSeenAt.Equal(t0) {
				t.Fatalf("after block: %+v", r)
			}

			t1 := t0.Add(time.Hour)
			if err := st.SetBlocked(ctx, "b1", 5, false, t1); err != nil {
				t.Fatalf("SetBlocked: %v", err)
			}
			r, _ = st.GetRecipient(ctx, "b1", 5)
			if r.Blocked || !r.LastSeenAt.Equal(t1) {
				t.Fatalf("after unblock: %+v", r)
			}
		})
	}
}

func TestConcurrentRecipientUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			if _, err := st.EnsureRecipient(ctx, "b1", 1, time.Now()); err != nil {
				t.Fatalf("EnsureRecipient: %v", err)
			}

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, _ = st.UpsertRecipient(ctx, "b1", 1, model.Profile{Username: "u"}, time.Now())
				}()
				go func() {
					defer wg.Done()
					_ = st.MarkEngaged(ctx, "b1", 1, time.Now())
				}()
			}
			wg.Wait()

			r, err := st.GetRecipient(ctx, "b1", 1)
			if err != nil {
				t.Fatalf("GetRecipient: %v", err)
			}
			if r.EngagedAt == nil || r.Username != "u" {
				t.Fatalf("lost update: %+v", r)
			}
		})
	}
}

func TestDeliveriesAndInbound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			seedBot(t, st, "b1")
			now := time.UnixMilli(1_700_000_000_000)
			sent := now

			recs := []model.DeliveryRecord{
				{ID: "d1", DispatchID: "x", BotID: "b1", UserID: 1, Action: "text", Status: model.StatusSent, PlatformMessageID: "10", SentAt: &sent, CreatedAt: now},
				{ID: "d2", DispatchID: "x", BotID: "b1", UserID: 2, Action: "text", Status: model.StatusFailed, Error: "chat not found", CreatedAt: now.Add(time.Second)},
				{ID: "d3", DispatchID: "y", CampaignID: "c1", BotID: "b1", UserID: 3, Action: "poll", Status: model.StatusFailed, Error: "boom", CreatedAt: now.Add(2 * time.Second)},
			}
			for _, r := range recs {
				if err := st.AppendDelivery(ctx, r); err != nil {
					t.Fatalf("AppendDelivery: %v", err)
				}
			}

			got, err := st.ListDeliveries(ctx, DeliveryFilter{DispatchID: "x"})
			if err != nil {
				t.Fatalf("ListDeliveries: %v", err)
			}
			if len(got) != 2 || got[0].ID != "d2" || got[1].ID != "d1" {
				t.Fatalf("deliveries = %+v", got)
			}
			if got[1].SentAt == nil || !got[1].SentAt.Equal(sent) || got[1].PlatformMessageID != "10" {
				t.Fatalf("sent record round trip: %+v", got[1])
			}

			old := model.InboundEvent{BotID: "b1", Kind: model.EventMessage, FromID: 1, Text: "hi", ReceivedAt: now.Add(-48 * time.Hour)}
			fresh := model.InboundEvent{BotID: "b1", Kind: model.EventCallback, FromID: 1, ReceivedAt: now}
			for _, e := range []model.InboundEvent{old, fresh} {
				if err := st.AppendInbound(ctx, e); err != nil {
					t.Fatalf("AppendInbound: %v", err)
				}
			}
			n, err := st.PruneInbound(ctx, now.Add(-time.Hour))
			if err != nil {
				t.Fatalf("PruneInbound: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seedBot(t, st, "b1")
	if _, err := st.UpsertRecipient(ctx, "b1", 9, model.Profile{FirstName: "Zed"}, time.Now()); err != nil {
		t.Fatalf("UpsertRecipient: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	r, err := st2.GetRecipient(ctx, "b1", 9)
	if err != nil || r.FirstName != "Zed" {
		t.Fatalf("after reload: %+v, %v", r, err)
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "snap.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			return st
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			seedBot(t, st, "b1")
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}

			calls := map[string]error{}
			_, calls["GetBot"] = st.GetBot(ctx, "b1")
			_, calls["UpsertRecipient"] = st.UpsertRecipient(ctx, "b1", 1, model.Profile{}, time.Now())
			calls["SetBlocked"] = st.SetBlocked(ctx, "b1", 1, true, time.Time{})
			_, calls["ListEligible"] = st.ListEligible(ctx, "b1")
			calls["AppendInbound"] = st.AppendInbound(ctx, model.InboundEvent{BotID: "b1", FromID: 1, ReceivedAt: time.Now()})
			for op, err := range calls {
				if !errors.Is(err, ErrDisabled) {
					t.Fatalf("%s after Close = %v, want ErrDisabled", op, err)
				}
			}
		})
	}
}
