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
	"strconv"
	"strings"

	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/fsutil"
	"github.com/phrazzld/medforge/internal/store"
)

const artifactExt = ".json"

// ArtifactStore implements store.ArtifactStore on the filesystem.
type ArtifactStore struct {
	root   string
	logger *slog.Logger
}

// Ensure ArtifactStore implements store.ArtifactStore interface
var _ store.ArtifactStore = (*ArtifactStore)(nil)

// NewArtifactStore creates a new ArtifactStore rooted at root.
func NewArtifactStore(root string, logger *slog.Logger) (*ArtifactStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &ArtifactStore{
		root:   root,
		logger: logger.With("component", "artifact_store"),
	}, nil
}

// Root returns the directory the store writes under.
func (s *ArtifactStore) Root() string {
	return s.root
}

// Path returns the deterministic location of a task's artifact.
func (s *ArtifactStore) Path(groupID string, taskID int) string {
	return filepath.Join(s.root, groupID, strconv.Itoa(taskID)+artifactExt)
}

// Save implements store.ArtifactStore.
func (s *ArtifactStore) Save(ctx context.Context, artifact *domain.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if artifact == nil {
		return fmt.Errorf("%w: nil artifact", store.ErrInvalidEntity)
	}
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	path := s.Path(artifact.GroupID, artifact.TaskID)
	if err := fsutil.WriteJSONAtomic(path, artifact); err != nil {
		return store.NewStoreError("artifact", "save", path, err)
	}

	s.logger.DebugContext(ctx, "artifact saved",
		slog.String("group_id", artifact.GroupID),
		slog.Int("task_id", artifact.TaskID),
		slog.Bool("degraded", artifact.Degraded))
	return nil
}

// Load implements store.ArtifactStore.
func (s *ArtifactStore) Load(ctx context.Context, groupID string, taskID int) (*domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateGroupID(groupID); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	path := s.Path(groupID, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%d", store.ErrArtifactNotFound, groupID, taskID)
		}
		return nil, store.NewStoreError("artifact", "load", path, err)
	}

	var artifact domain.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, path, err)
	}
	if err := artifact.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, path, err)
	}
	return &artifact, nil
}

// Completed implements store.ArtifactStore. An artifact that exists but
// cannot be decoded does not count as completed.
func (s *ArtifactStore) Completed(ctx context.Context, groupID string, taskID int) (bool, error) {
	_, err := s.Load(ctx, groupID, taskID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case errors.Is(err, store.ErrCorrupt):
		s.logger.WarnContext(ctx, "ignoring corrupt artifact",
			slog.String("group_id", groupID),
			slog.Int("task_id", taskID),
			slog.String("error", err.Error()))
		return false, nil
	default:
		return false, err
	}
}

// CompletedIDs implements store.ArtifactStore. In-flight temp files and
// names that are not task ids are skipped.
func (s *ArtifactStore) CompletedIDs(ctx context.Context, groupID string) (map[int]struct{}, error) {
	if err := domain.ValidateGroupID(groupID); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	dir := filepath.Join(s.root, groupID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[int]struct{}{}, nil
		}
		return nil, store.NewStoreError("artifact", "list", dir, err)
	}

	ids := make(map[int]struct{}, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := parseArtifactName(entry)
		if !ok {
			continue
		}
		done, err := s.Completed(ctx, groupID, id)
		if err != nil {
			return nil, err
		}
		if done {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func parseArtifactName(entry fs.DirEntry) (int, bool) {
	name := entry.Name()
	if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSuffix(name, artifactExt))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
