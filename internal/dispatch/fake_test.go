package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"botcast/internal/directory"
	"botcast/internal/gateway"
	"botcast/internal/ledger"
	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

type call struct {
	op     string
	chatID int64
	text   string
}

// fakeGateway succeeds unless a canned failure is set for the chat.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []call
	fail    map[int64]string
	pinFail string
	panicOn int64
	nextID  int
	// afterSend runs after every send, outside the lock.
	afterSend func(chatID int64)
}

func newFakeGateway() *fakeGateway { return &fakeGateway{fail: map[int64]string{}} }

func (f *fakeGateway) ForBot(context.Context, model.BotIdentity) (gateway.Gateway, error) {
	return f, nil
}

func (f *fakeGateway) record(op string, chatID int64, text string) gateway.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, chatID: chatID, text: text})
	if f.panicOn != 0 && chatID == f.panicOn {
		panic("boom")
	}
	if desc, ok := f.fail[chatID]; ok {
		return gateway.Failure(desc)
	}
	f.nextID++
	return gateway.Outcome{Success: true, MessageID: strconv.Itoa(f.nextID)}
}

func (f *fakeGateway) SendText(_ context.Context, chatID int64, text string) gateway.Outcome {
	out := f.record("text", chatID, text)
	if f.afterSend != nil {
		f.afterSend(chatID)
	}
	return out
}

func (f *fakeGateway) SendPhoto(_ context.Context, chatID int64, _ gateway.Media, caption string) gateway.Outcome {
	return f.record("photo", chatID, caption)
}

func (f *fakeGateway) SendVideo(_ context.Context, chatID int64, _ gateway.Media, caption string) gateway.Outcome {
	return f.record("video", chatID, caption)
}

func (f *fakeGateway) SendPoll(_ context.Context, chatID int64, p gateway.Poll) gateway.Outcome {
	return f.record("poll", chatID, p.Question)
}

func (f *fakeGateway) PinMessage(_ context.Context, chatID int64, messageID string) gateway.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: "pin", chatID: chatID, text: messageID})
	desc := f.pinFail
	f.mu.Unlock()
	if desc != "" {
		return gateway.Failure(desc)
	}
	return gateway.Outcome{Success: true, MessageID: messageID}
}

func (f *fakeGateway) ops() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var errDiskFull = errors.New("disk full")

// faultyStore fails ledger appends or reachability writes for chosen users.
type faultyStore struct {
	storage.Store
	appendFail  map[int64]bool
	blockedFail map[int64]bool
}

func (f *faultyStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	if f.appendFail[rec.UserID] {
		return errDiskFull
	}
	return f.Store.AppendDelivery(ctx, rec)
}

func (f *faultyStore) SetBlocked(ctx context.Context, botID string, userID int64, blocked bool, seenAt time.Time) error {
	if f.blockedFail[userID] {
		return errDiskFull
	}
	return f.Store.SetBlocked(ctx, botID, userID, blocked, seenAt)
}

type harness struct {
	store  storage.Store
	dir    *directory.Directory
	ledger *ledger.Ledger
	gw     *fakeGateway
	engine *Engine
}

const testBot = "bot-1"

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith lets wrap replace the store the engine writes through;
// seeding and reads still go through the wrapper.
func newHarnessWith(t *testing.T, cfg Config, wrap func(storage.Store) storage.Store) *harness {
	t.Helper()
	var st storage.Store = storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	if wrap != nil {
		st = wrap(st)
	}

	ctx := context.Background()
	bots := []model.BotIdentity{
		{ID: testBot, Name: "main", Token: "t1", TokenHash: "h1", Active: true},
		{ID: "bot-off", Name: "off", Token: "t2", TokenHash: "h2", Active: false},
	}
	for _, b := range bots {
		if err := st.CreateBot(ctx, b); err != nil {
			t.Fatalf("CreateBot: %v", err)
		}
	}

	h := &harness{
		store:  st,
		dir:    directory.New(st, logx.Nop()),
		ledger: ledger.New(st),
		gw:     newFakeGateway(),
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10000
	}
	h.engine = New(cfg, Deps{
		Bots:      st,
		Directory: h.dir,
		Ledger:    h.ledger,
		Gateways:  h.gw,
		Log:       logx.Nop(),
	})
	return h
}

// engaged seeds eligible recipients.
func (h *harness) engaged(t *testing.T, users ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, u := range users {
		if _, err := h.dir.Upsert(ctx, testBot, u, model.Profile{FirstName: "user" + strconv.FormatInt(u, 10)}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := h.dir.MarkEngaged(ctx, testBot, u); err != nil {
			t.Fatalf("MarkEngaged: %v", err)
		}
	}
}

func (h *harness) recipient(t *testing.T, user int64) model.Recipient {
	t.Helper()
	r, err := h.dir.Get(context.Background(), testBot, user)
	if err != nil {
		t.Fatalf("Get(%d): %v", user, err)
	}
	return r
}

func (h *harness) records(t *testing.T, dispatchID string) map[int64]model.DeliveryRecord {
	t.Helper()
	recs, err := h.ledger.List(context.Background(), storage.DeliveryFilter{DispatchID: dispatchID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := map[int64]model.DeliveryRecord{}
	for _, r := range recs {
		if _, dup := out[r.UserID]; dup {
			t.Fatalf("duplicate ledger record for user %d", r.UserID)
		}
		out[r.UserID] = r
	}
	return out
}
