package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FixedSuffix names the corrected variant stored beside the original.
const FixedSuffix = ".fixed"

// ErrInvalidRef indicates a ref that escapes the store root
var ErrInvalidRef = errors.New("invalid replay ref")

// Store keeps replay bytes under a root directory. Refs are slash-separated
// relative keys.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("replay root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create replay root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// NewRef returns a fresh date-partitioned key.
func NewRef(now time.Time) string {
	return path.Join(now.UTC().Format("2006/01"), uuid.New().String()+".dem")
}

func (s *Store) path(ref string) (string, error) {
	clean := path.Clean("/" + ref)
	if ref == "" || clean == "/" || strings.Contains(ref, "\\") || clean[1:] != ref {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(ref)), nil
}

// Save writes the original bytes and, when non-nil, the fixed variant.
func (s *Store) Save(ctx context.Context, ref string, data, fixed []byte) error {
	if err := s.write(ctx, ref, data); err != nil {
		return err
	}
	if fixed != nil {
		if err := s.write(ctx, ref+FixedSuffix, fixed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, ref string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create replay directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write replay: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit replay: %w", err)
	}
	return nil
}

// Load returns the stored bytes. With fixed set it returns the corrected variant.
func (s *Store) Load(ctx context.Context, ref string, fixed bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fixed {
		ref += FixedSuffix
	}
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", ref, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Delete removes a replay and its fixed variant.
func (s *Store) Delete(ref string) error {
	for _, r := range []string{ref, ref + FixedSuffix} {
		p, err := s.path(r)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete replay: %w", err)
		}
	}
	return nil
}
