package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/model"
)

// MemoryStorage keeps the registry in process memory. It is used in tests and for
// single-instance deployments that can afford to lose state on restart.
type MemoryStorage struct {
	mu         sync.RWMutex
	txMu       sync.Mutex
	challenges map[string]*model.EmailChallenge
	processed  map[string]model.ProcessedMessage
	apiKeys    map[string][]string
}

// memoryTxStore runs inside MemoryStorage.WithinTransaction.
type memoryTxStore struct {
	*MemoryStorage
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	logger.Info("MemoryStorage initialized")
	return &MemoryStorage{
		challenges: make(map[string]*model.EmailChallenge),
		processed:  make(map[string]model.ProcessedMessage),
		apiKeys:    make(map[string][]string),
	}
}

func (s *MemoryStorage) Close() error { return nil }

// WithinTransaction serializes transactions and restores the previous state when fn fails.
// Writes made outside a transaction while one is running are lost on rollback.
func (s *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(ctx, memoryTxStore{s}); err != nil {
		s.mu.Lock()
		s.challenges, s.processed, s.apiKeys = snapshot.challenges, snapshot.processed, snapshot.apiKeys
		s.mu.Unlock()
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	return nil
}

func (s memoryTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

func (s *MemoryStorage) snapshot() *MemoryStorage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &MemoryStorage{
		challenges: make(map[string]*model.EmailChallenge, len(s.challenges)),
		processed:  make(map[string]model.ProcessedMessage, len(s.processed)),
		apiKeys:    make(map[string][]string, len(s.apiKeys)),
	}
	for k, v := range s.challenges {
		c.challenges[k] = copyChallenge(v)
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.apiKeys {
		c.apiKeys[k] = append([]string(nil), v...)
	}
	return c
}

func (s *MemoryStorage) SaveChallenge(ctx context.Context, chal *model.EmailChallenge) error {
	now := time.Now()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = now
	}
	chal.LastModifiedAt = now

	identifierBytes, err := json.Marshal(chal.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal identifier for challenge '%s': %w", chal.ID, err)
	}
	chal.IdentifierJSON = string(identifierBytes)
	chal.ErrorJSON = ""
	if chal.Error != nil {
		errorBytes, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal error for challenge '%s': %w", chal.ID, err)
		}
		chal.ErrorJSON = string(errorBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[chal.ID] = copyChallenge(chal)
	logger.Debug("Challenge saved", zap.String("challengeID", chal.ID), zap.String("status", chal.Status))
	return nil
}

func (s *MemoryStorage) GetChallenge(ctx context.Context, id string) (*model.EmailChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chal, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	return copyChallenge(chal), nil
}

func (s *MemoryStorage) GetPendingChallengeByRecipient(ctx context.Context, recipient string) (*model.EmailChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.EmailChallenge
	for _, chal := range s.challenges {
		if chal.Status != model.StatusPending || chal.Identifier.Value != recipient {
			continue
		}
		if found == nil || chal.CreatedAt.After(found.CreatedAt) {
			found = chal
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyChallenge(found), nil
}

func (s *MemoryStorage) ListChallenges(ctx context.Context, status string) ([]*model.EmailChallenge, error) {
	s.mu.RLock()
	challenges := make([]*model.EmailChallenge, 0, len(s.challenges))
	for _, chal := range s.challenges {
		if status == "" || chal.Status == status {
			challenges = append(challenges, copyChallenge(chal))
		}
	}
	s.mu.RUnlock()

	sort.Slice(challenges, func(i, j int) bool {
		if challenges[i].CreatedAt.Equal(challenges[j].CreatedAt) {
			return challenges[i].ID < challenges[j].ID
		}
		return challenges[i].CreatedAt.Before(challenges[j].CreatedAt)
	})
	return challenges, nil
}

func (s *MemoryStorage) DeleteChallenge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[id]; !ok {
		return fmt.Errorf("%w: challenge '%s'", ErrNotFound, id)
	}
	delete(s.challenges, id)
	for messageID, msg := range s.processed {
		if msg.ChallengeID == id {
			delete(s.processed, messageID)
		}
	}
	logger.Info("Challenge deleted", zap.String("challengeID", id))
	return nil
}

func (s *MemoryStorage) MarkMessageProcessed(ctx context.Context, msg *model.ProcessedMessage) (bool, error) {
	if msg.ProcessedAt.IsZero() {
		msg.ProcessedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[msg.ChallengeID]; !ok {
		return false, fmt.Errorf("%w: challenge '%s'", ErrNotFound, msg.ChallengeID)
	}
	if _, ok := s.processed[msg.MessageID]; ok {
		logger.Warn("Message was already processed", zap.String("messageID", msg.MessageID))
		return false, nil
	}
	s.processed[msg.MessageID] = *msg
	return true, nil
}

func (s *MemoryStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[apiKey] = append([]string(nil), roles...)
	logger.Debug("API key saved/updated")
	return nil
}

func (s *MemoryStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, ok := s.apiKeys[apiKey]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), roles...), nil
}

func copyChallenge(chal *model.EmailChallenge) *model.EmailChallenge {
	c := *chal
	if chal.Error != nil {
		problem := *chal.Error
		c.Error = &problem
	}
	return &c
}
