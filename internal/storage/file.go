package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

// fileStore is the memory store plus a JSON snapshot at cfg.Path.
//
// The snapshot is rewritten (tmp + rename) every snapshotEvery mutations and on
// Close, so a crash loses at most that many writes.
type fileStore struct {
	*memStore
	log    logx.Logger
	path   string
	writes int
}

const snapshotEvery = 100

type snapshot struct {
	Bots       []model.BotIdentity    `json:"bots"`
	Recipients []model.Recipient      `json:"recipients"`
	Deliveries []model.DeliveryRecord `json:"deliveries"`
	Inbound    []model.InboundEvent   `json:"inbound"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: newMemStore(), log: log, path: path}
	if err := fs.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	fs.memStore.onWrite = func() {
		fs.writes++
		if fs.writes%snapshotEvery == 0 {
			if err := fs.persistLocked(); err != nil {
				fs.log.Warn("storage snapshot failed", logx.Err(err))
			}
		}
	}
	return fs, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, bot := range snap.Bots {
		s.bots[bot.ID] = bot
	}
	for _, r := range snap.Recipients {
		s.recipients[recipientKey{r.BotID, r.UserID}] = r
	}
	s.deliveries = snap.Deliveries
	s.inbound = snap.Inbound
	return nil
}

func (s *fileStore) persistLocked() error {
	snap := snapshot{
		Bots:       make([]model.BotIdentity, 0, len(s.bots)),
		Recipients: make([]model.Recipient, 0, len(s.recipients)),
		Deliveries: s.deliveries,
		Inbound:    s.inbound,
	}
	for _, b := range s.bots {
		snap.Bots = append(snap.Bots, b)
	}
	for _, r := range s.recipients {
		snap.Recipients = append(snap.Recipients, r)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.persistLocked()
}
