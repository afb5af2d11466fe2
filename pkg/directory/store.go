package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roboricindustries/razzler/pkg/filelock"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// Store keeps the phonebook in a JSON file shared by every process. Writes
// go through the sidecar file lock; reads use an in-memory snapshot that is
// refreshed from disk on a miss.
type Store struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	snap *Phonebook
}

func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, log: logger}
}

// Load re-reads the phonebook file into the snapshot.
func (s *Store) Load() (*Phonebook, error) {
	pb := &Phonebook{}
	if _, err := filelock.ReadJSON(s.path, pb); err != nil {
		return nil, err
	}
	if pb.Groups == nil {
		pb.Groups = make(map[string]signal.Group)
	}
	s.mu.Lock()
	s.snap = pb
	s.mu.Unlock()
	return pb.clone(), nil
}

// Snapshot returns a copy of the cached phonebook, loading it on first use.
func (s *Store) Snapshot() (*Phonebook, error) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap == nil {
		return s.Load()
	}
	return snap.clone(), nil
}

// Mutate runs fn on the freshest phonebook under the file lock and persists
// the result.
func (s *Store) Mutate(ctx context.Context, fn func(*Phonebook) error) error {
	var pb Phonebook
	err := filelock.MutateJSON(ctx, s.path, &pb, func(pb *Phonebook) error {
		if pb.Groups == nil {
			pb.Groups = make(map[string]signal.Group)
		}
		return fn(pb)
	})
	if err != nil {
		return fmt.Errorf("mutate phonebook: %w", err)
	}
	s.mu.Lock()
	s.snap = &pb
	s.mu.Unlock()
	return nil
}

// UpdateContact records the sender identity. The file is only locked and
// rewritten when the snapshot says something is new.
func (s *Store) UpdateContact(ctx context.Context, uuid, number, name string) (bool, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return false, err
	}
	if !snap.UpdateContact(uuid, number, name, "") {
		return false, nil
	}
	var changed bool
	err = s.Mutate(ctx, func(pb *Phonebook) error {
		changed = pb.UpdateContact(uuid, number, name, "")
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("updated contact", slog.String("uuid", uuid), slog.String("number", number))
	}
	return changed, nil
}

// ReplaceGroups stores the gateway's current group list.
func (s *Store) ReplaceGroups(ctx context.Context, groups []signal.Group) error {
	return s.Mutate(ctx, func(pb *Phonebook) error {
		for _, g := range groups {
			pb.AddGroup(g)
		}
		return nil
	})
}

// HasGroup checks the snapshot, then disk, for a group id.
func (s *Store) HasGroup(id string) (bool, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return false, err
	}
	if snap.HasGroup(id) {
		return true, nil
	}
	fresh, err := s.Load()
	if err != nil {
		return false, err
	}
	return fresh.HasGroup(id), nil
}

// ConversationKey resolves where replies to msg go: the group's internal id
// for group messages, the sender otherwise.
func (s *Store) ConversationKey(msg *signal.IncomingMessage) (string, error) {
	gid := msg.GroupID()
	if gid == "" {
		return msg.Envelope.Source, nil
	}
	snap, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	id, err := snap.GroupInternalID(gid)
	if errors.Is(err, ErrUnknownGroup) {
		fresh, lerr := s.Load()
		if lerr != nil {
			return "", lerr
		}
		id, err = fresh.GroupInternalID(gid)
	}
	return id, err
}

// MentionName resolves a mention to a display name, "" when unknown.
func (s *Store) MentionName(m signal.Mention) string {
	snap, err := s.Snapshot()
	if err != nil {
		s.log.Warn("phonebook unavailable for mention", slog.Any("error", err))
		return ""
	}
	c, ok := snap.Contact(m.UUID, m.Number, m.Name)
	if !ok {
		return ""
	}
	switch {
	case c.Name != "":
		return c.Name
	case c.Number != "":
		return c.Number
	}
	return ""
}
