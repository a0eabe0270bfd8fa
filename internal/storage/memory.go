package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"botcast/internal/model"
)

type recipientKey struct {
	botID  string
	userID int64
}

// memStore keeps everything in maps behind one mutex, which makes every
// operation atomic with respect to the (bot, user) key.
type memStore struct {
	mu sync.Mutex

	bots       map[string]model.BotIdentity
	recipients map[recipientKey]model.Recipient
	deliveries []model.DeliveryRecord
	inbound    []model.InboundEvent

	// onWrite runs with mu held after each mutation; the file driver uses it.
	onWrite func()
	// closed makes every later call fail with ErrDisabled.
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		bots:       map[string]model.BotIdentity{},
		recipients: map[recipientKey]model.Recipient{},
	}
}

func (s *memStore) wrote() {
	if s.onWrite != nil {
		s.onWrite()
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) CreateBot(ctx context.Context, b model.BotIdentity) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if _, ok := s.bots[b.ID]; ok {
		return model.ErrConflict
	}
	for _, cur := range s.bots {
		if cur.TokenHash == b.TokenHash {
			return model.ErrConflict
		}
	}
	s.bots[b.ID] = b
	s.wrote()
	return nil
}

func (s *memStore) GetBot(ctx context.Context, id string) (model.BotIdentity, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.BotIdentity{}, ErrDisabled
	}
	b, ok := s.bots[id]
	if !ok {
		return model.BotIdentity{}, model.NotFound("bot", id)
	}
	return b, nil
}

func (s *memStore) ListBots(ctx context.Context) ([]model.BotIdentity, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	out := make([]model.BotIdentity, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) SetBotActive(ctx context.Context, id string, active bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	b, ok := s.bots[id]
	if !ok {
		return model.NotFound("bot", id)
	}
	b.Active = active
	s.bots[id] = b
	s.wrote()
	return nil
}

func (s *memStore) UpdateBotProfile(ctx context.Context, id, name, description, shortDescription string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	b, ok := s.bots[id]
	if !ok {
		return model.NotFound("bot", id)
	}
	b.Name, b.Description, b.ShortDescription = name, description, shortDescription
	s.bots[id] = b
	s.wrote()
	return nil
}

func (s *memStore) UpsertRecipient(ctx context.Context, botID string, userID int64, p model.Profile, seenAt time.Time) (model.Recipient, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Recipient{}, ErrDisabled
	}
	k := recipientKey{botID, userID}
	r, ok := s.recipients[k]
	if !ok {
		r = model.Recipient{BotID: botID, UserID: userID, CreatedAt: seenAt}
	}
	r.Profile = r.Profile.Merge(p)
	seen := seenAt
	r.LastSeenAt = &seen
	s.recipients[k] = r
	s.wrote()
	return r, nil
}

func (s *memStore) EnsureRecipient(ctx context.Context, botID string, userID int64, at time.Time) (model.Recipient, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Recipient{}, ErrDisabled
	}
	k := recipientKey{botID, userID}
	if r, ok := s.recipients[k]; ok {
		return r, nil
	}
	r := model.Recipient{BotID: botID, UserID: userID, CreatedAt: at}
	s.recipients[k] = r
	s.wrote()
	return r, nil
}

func (s *memStore) GetRecipient(ctx context.Context, botID string, userID int64) (model.Recipient, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Recipient{}, ErrDisabled
	}
	r, ok := s.recipients[recipientKey{botID, userID}]
	if !ok {
		return model.Recipient{}, model.NotFound("recipient", userID)
	}
	return r, nil
}

func (s *memStore) MarkEngaged(ctx context.Context, botID string, userID int64, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	k := recipientKey{botID, userID}
	r, ok := s.recipients[k]
	if !ok {
		return model.NotFound("recipient", userID)
	}
	if r.EngagedAt == nil {
		t := at
		r.EngagedAt = &t
		s.recipients[k] = r
		s.wrote()
	}
	return nil
}

func (s *memStore) SetBlocked(ctx context.Context, botID string, userID int64, blocked bool, seenAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	k := recipientKey{botID, userID}
	r, ok := s.recipients[k]
	if !ok {
		return model.NotFound("recipient", userID)
	}
	r.Blocked = blocked
	if !seenAt.IsZero() {
		t := seenAt
		r.LastSeenAt = &t
	}
	s.recipients[k] = r
	s.wrote()
	return nil
}

func (s *memStore) ListEligible(ctx context.Context, botID string) ([]model.Recipient, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	var out []model.Recipient
	for k, r := range s.recipients {
		if k.botID == botID && r.Eligible() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) BotStats(ctx context.Context, botID string) (model.BotStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.BotStats{}, ErrDisabled
	}
	var st model.BotStats
	for k, r := range s.recipients {
		if k.botID != botID {
			continue
		}
		st.Total++
		if r.EngagedAt != nil {
			st.Engaged++
		}
		if r.Blocked {
			st.Blocked++
		}
		if r.Eligible() {
			st.Eligible++
		}
	}
	return st, nil
}

func (s *memStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.deliveries = append(s.deliveries, rec)
	s.wrote()
	return nil
}

func (s *memStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	limit := deliveryLimit(f.Limit)
	var out []model.DeliveryRecord
	for i := len(s.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		d := s.deliveries[i]
		if f.BotID != "" && d.BotID != f.BotID {
			continue
		}
		if f.DispatchID != "" && d.DispatchID != f.DispatchID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) AppendInbound(ctx context.Context, e model.InboundEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.inbound = append(s.inbound, e)
	s.wrote()
	return nil
}

func (s *memStore) PruneInbound(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDisabled
	}
	kept := s.inbound[:0]
	var n int64
	for _, e := range s.inbound {
		if e.ReceivedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.inbound = kept
	if n > 0 {
		s.wrote()
	}
	return n, nil
}
