package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

// Journal persists the message list. Writes are issued in the order mutations are applied to the Store.
type Journal interface {
	Messages(ctx context.Context) ([]models.StoredMessage, error)
	SaveMessage(ctx context.Context, seq uint64, msg models.Message) error
	ClearMessages(ctx context.Context) error
}

// Store is the ordered message list of a session. Messages keep their insertion position for their whole life,
// replacing a message never moves it. Every mutation is applied atomically: readers only ever see whole snapshots.
type Store struct {
	journal Journal
	logger  *slog.Logger

	mu       sync.RWMutex
	messages []models.Message
	seqs     []uint64
	index    map[string]int
	nextSeq  uint64
	changed  broadcast
}

// ErrDuplicateID is returned by Append when a message with the same id is already stored.
var ErrDuplicateID = errors.New("duplicate message id")

// NewStore creates an empty store. journal may be nil, in which case nothing is persisted.
func NewStore(journal Journal, logger *slog.Logger) *Store {
	return &Store{
		journal: journal,
		logger:  logger.With(slog.String("module", "store")),
		index:   make(map[string]int),
		nextSeq: 1,
		changed: newBroadcast(),
	}
}

// Restore replaces the content of the store with the history kept by the journal.
func (s *Store) Restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}

	stored, err := s.journal.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	slices.SortFunc(stored, func(a, b models.StoredMessage) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	s.seqs = s.seqs[:0]
	s.index = make(map[string]int, len(stored))
	s.nextSeq = 1
	for _, sm := range stored {
		if _, ok := s.index[sm.ID]; ok {
			s.logger.Warn("Skipping duplicate stored message", slog.String("id", sm.ID))
			continue
		}
		s.index[sm.ID] = len(s.messages)
		s.messages = append(s.messages, sm.Message)
		s.seqs = append(s.seqs, sm.Seq)
		if sm.Seq >= s.nextSeq {
			s.nextSeq = sm.Seq + 1
		}
	}
	s.changed.notify()

	s.logger.Info("Restored messages", slog.Int("count", len(s.messages)))
	return nil
}

// Append adds msg at the end of the list.
func (s *Store) Append(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[msg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	s.insert(msg)
	return nil
}

// Upsert replaces the message with the same id in place, or appends msg if there is none. It reports whether msg was
// appended.
func (s *Store) Upsert(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[msg.ID]
	if !ok {
		s.insert(msg)
		return true
	}
	s.replace(idx, msg)
	return false
}

// Update applies fn to the message with the given id and stores the result, all under the store lock. The id can not
// be changed by fn. It returns the updated message, or false if no message has that id.
func (s *Store) Update(id string, fn func(msg *models.Message)) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	msg := s.messages[idx]
	fn(&msg)
	msg.ID = id
	s.replace(idx, msg)
	return msg, true
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	return s.messages[idx], true
}

// Messages returns a snapshot of the list in insertion order.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshot()
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

// Watch returns a live view of the list. The current snapshot is yielded first, then a new snapshot after every
// change. A reader slower than the writers skips intermediate snapshots but always ends up on the latest one. The
// sequence ends when ctx is done.
func (s *Store) Watch(ctx context.Context) iter.Seq[[]models.Message] {
	return func(yield func([]models.Message) bool) {
		for {
			s.mu.RLock()
			snapshot := s.snapshot()
			changed := s.changed.wait()
			s.mu.RUnlock()

			if !yield(snapshot) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.seqs = nil
	s.index = make(map[string]int)
	s.changed.notify()

	if s.journal != nil {
		if err := s.journal.ClearMessages(context.Background()); err != nil {
			s.logger.Error("Failed to clear journal", slog.String(errLoggerKey, err.Error()))
		}
	}
}

func (s *Store) snapshot() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) insert(msg models.Message) {
	seq := s.nextSeq
	s.nextSeq++

	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.seqs = append(s.seqs, seq)
	s.changed.notify()
	s.persist(seq, msg)
}

func (s *Store) replace(idx int, msg models.Message) {
	s.messages[idx] = msg
	s.changed.notify()
	s.persist(s.seqs[idx], msg)
}

// persist runs under the store lock so journal writes happen in mutation order.
func (s *Store) persist(seq uint64, msg models.Message) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveMessage(context.Background(), seq, msg); err != nil {
		s.logger.Error("Failed to persist message",
			slog.String("id", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}
