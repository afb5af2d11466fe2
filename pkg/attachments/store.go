// Package attachments stores downloaded attachment payloads on disk, keyed
// by the gateway's attachment id.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roboricindustries/razzler/pkg/filelock"
)

var ErrInvalidRef = errors.New("invalid attachment ref")

const refPrefix = "attachments/"

// FileStore keeps payloads under <root>/attachments/<id>. Refs handed out
// are relative ("attachments/<id>") so records stay portable between hosts
// sharing the data dir.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore { return &FileStore{root: root} }

// Save writes content for id and returns its ref.
func (s *FileStore) Save(id string, content []byte) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	ref := refPrefix + id
	if err := filelock.WriteAtomic(s.path(ref), content, 0o644); err != nil {
		return "", fmt.Errorf("save attachment %s: %w", id, err)
	}
	return ref, nil
}

// Load returns the payload behind ref.
func (s *FileStore) Load(ref string) ([]byte, error) {
	id, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("load attachment %s: %w", id, err)
	}
	return b, nil
}

// Base64 returns the payload behind ref, standard base64 encoded.
func (s *FileStore) Base64(ref string) (string, error) {
	b, err := s.Load(ref)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: id %q", ErrInvalidRef, id)
	}
	return nil
}
