package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/fsutil"
	"github.com/phrazzld/medforge/internal/store"
)

const statusDir = ".status"

// StatusStore implements store.StatusStore on the filesystem.
type StatusStore struct {
	root     string
	lockOpts fsutil.LockOptions
	logger   *slog.Logger
}

// Ensure StatusStore implements store.StatusStore interface
var _ store.StatusStore = (*StatusStore)(nil)

// NewStatusStore creates a new StatusStore rooted at root.
func NewStatusStore(root string, lockOpts fsutil.LockOptions, logger *slog.Logger) (*StatusStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("status root cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &StatusStore{
		root:     root,
		lockOpts: lockOpts,
		logger:   logger.With("component", "status_store"),
	}, nil
}

// Path returns the location of a stage's status record.
func (s *StatusStore) Path(key domain.StageKey) string {
	return filepath.Join(s.root, key.Group, statusDir, key.Stage+".json")
}

func (s *StatusStore) lockPath(key domain.StageKey) string {
	return s.Path(key) + ".lock"
}

// Get implements store.StatusStore. Reads take no lock: records are only
// ever replaced atomically.
func (s *StatusStore) Get(ctx context.Context, key domain.StageKey) (*domain.GroupStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	return s.read(key)
}

// Modify implements store.StatusStore.
func (s *StatusStore) Modify(
	ctx context.Context,
	key domain.StageKey,
	fn func(*domain.GroupStatus) error,
) (*domain.GroupStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	var result *domain.GroupStatus
	err := fsutil.WithLock(ctx, s.lockPath(key), s.lockOpts, func() error {
		current, err := s.read(key)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			current = &domain.GroupStatus{Group: key.Group, Stage: key.Stage}
		case errors.Is(err, store.ErrCorrupt):
			// A torn record cannot come from our own writes; start over.
			s.logger.WarnContext(ctx, "replacing corrupt status record",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
			current = &domain.GroupStatus{Group: key.Group, Stage: key.Stage}
		default:
			return err
		}

		if err := fn(current); err != nil {
			return err
		}
		current.Group, current.Stage = key.Group, key.Stage
		if !current.Phase.Valid() {
			return fmt.Errorf("%w: %w %q", store.ErrInvalidEntity, domain.ErrInvalidPhase, current.Phase)
		}

		if err := fsutil.WriteJSONAtomic(s.Path(key), current); err != nil {
			return store.NewStoreError("status", "write", key.String(), err)
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "status written",
		slog.String("group", key.Group),
		slog.String("stage", key.Stage),
		slog.String("phase", string(result.Phase)))
	return result, nil
}

func (s *StatusStore) read(key domain.StageKey) (*domain.GroupStatus, error) {
	path := s.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", store.ErrStatusNotFound, key)
		}
		return nil, store.NewStoreError("status", "read", path, err)
	}

	var status domain.GroupStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, path, err)
	}
	return &status, nil
}
