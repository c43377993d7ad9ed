package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/ledger"
	"github.com/phrazzld/medforge/internal/textutil"
	"gopkg.in/yaml.v3"
)

// Directory and file naming shared with the other pipeline stages.
const (
	StructuredDir  = "questions_structured"
	RawDir         = "raw"
	CacheDir       = "cache"
	QuestionSuffix = "_questions"
	ParseStage     = "parse"

	textbookSuffix = "_textbook.txt"
	contentSuffix  = "_content.txt"

	// Context limits in characters for the two excerpt kinds.
	TextbookContextLimit = 3000
	ContentContextLimit  = 2000
)

var questionExts = []string{".json", ".yaml", ".yml"}

// ErrNoQuestions is returned when a subject has no structured question
// directory.
var ErrNoQuestions = errors.New("subject has no structured questions")

// questionRecord is one entry of a structured question file.
type questionRecord struct {
	ID              int `json:"id" yaml:"id"`
	domain.Question `yaml:",inline"`
}

// Loader turns parse-stage output into task groups.
type Loader struct {
	outputDir   string
	parseLedger *ledger.Ledger
	waitTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithParseWait makes Groups block until the subject's parse stage is done
// in l, for at most timeout. l must be rooted at the output directory.
func WithParseWait(l *ledger.Ledger, timeout time.Duration) Option {
	return func(ld *Loader) {
		ld.parseLedger = l
		ld.waitTimeout = timeout
	}
}

// NewLoader creates a Loader over outputDir.
func NewLoader(outputDir string, logger *slog.Logger, opts ...Option) (*Loader, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	l := &Loader{
		outputDir: outputDir,
		logger:    logger.With("component", "source_loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SubjectDir is the root of a subject's working tree. Group status records
// live beneath it.
func (l *Loader) SubjectDir(subject string) string {
	return filepath.Join(l.outputDir, subject)
}

// ArtifactDir is where the named stage caches per-task artifacts.
func (l *Loader) ArtifactDir(subject, stage string) string {
	return filepath.Join(l.outputDir, subject, CacheDir, stage)
}

// Subjects lists the subjects that have structured questions, sorted.
func (l *Loader) Subjects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.outputDir)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	var out []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || domain.ValidateGroupID(e.Name()) != nil {
			continue
		}
		info, err := os.Stat(filepath.Join(l.outputDir, e.Name(), StructuredDir))
		if err == nil && info.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Groups loads every question file of subject as a group, sorted by group
// id. Unreadable files and invalid questions are logged and skipped.
func (l *Loader) Groups(ctx context.Context, subject string) ([]domain.Group, error) {
	if err := domain.ValidateGroupID(subject); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if l.parseLedger != nil {
		key := domain.StageKey{Group: subject, Stage: ParseStage}
		if _, err := l.parseLedger.Wait(ctx, key, l.waitTimeout); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", key, err)
		}
	}

	structDir := filepath.Join(l.SubjectDir(subject), StructuredDir)
	files, err := questionFiles(structDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoQuestions, subject)
		}
		return nil, err
	}

	log := l.logger.With("subject", subject)
	groups := make([]domain.Group, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := l.loadGroup(subject, f)
		if err != nil {
			log.Warn("skipping unreadable question file", "file", f.path, "error", err)
			continue
		}
		groups = append(groups, g)
	}
	log.Info("loaded task groups", "groups", len(groups))
	return groups, nil
}

type questionFile struct {
	group string
	path  string
	ext   string
}

// questionFiles finds <group>_questions.<ext> files. When a group has
// several formats the first in questionExts order wins.
func questionFiles(dir string) ([]questionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string]questionFile)
	rank := func(ext string) int {
		for i, e := range questionExts {
			if e == ext {
				return i
			}
		}
		return len(questionExts)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if rank(ext) == len(questionExts) {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if !strings.HasSuffix(stem, QuestionSuffix) {
			continue
		}
		group := strings.TrimSuffix(stem, QuestionSuffix)
		if domain.ValidateGroupID(group) != nil {
			continue
		}
		f := questionFile{group: group, path: filepath.Join(dir, name), ext: ext}
		if prev, ok := byGroup[group]; ok && rank(prev.ext) <= rank(ext) {
			continue
		}
		byGroup[group] = f
	}

	out := make([]questionFile, 0, len(byGroup))
	for _, f := range byGroup {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].group < out[j].group })
	return out, nil
}

func (l *Loader) loadGroup(subject string, f questionFile) (domain.Group, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return domain.Group{}, err
	}

	var records []questionRecord
	if f.ext == ".json" {
		err = json.Unmarshal(data, &records)
	} else {
		err = yaml.Unmarshal(data, &records)
	}
	if err != nil {
		return domain.Group{}, fmt.Errorf("decode %s: %w", filepath.Base(f.path), err)
	}

	excerpt := l.readExcerpt(subject, f.group)
	log := l.logger.With("subject", subject, "group_id", f.group)

	g := domain.Group{ID: f.group, Tasks: make([]domain.Task, 0, len(records))}
	seen := make(map[int]bool, len(records))
	for _, r := range records {
		if seen[r.ID] {
			log.Warn("dropping duplicate question id", "task_id", r.ID)
			continue
		}
		t := domain.Task{GroupID: f.group, ID: r.ID, Payload: r.Question, Context: excerpt}
		if err := t.Validate(); err != nil {
			log.Warn("dropping invalid question", "task_id", r.ID, "error", err)
			continue
		}
		seen[r.ID] = true
		g.Tasks = append(g.Tasks, t)
	}
	return g, nil
}

// readExcerpt returns the group's textbook excerpt, preferring the full
// textbook text over the extracted content.
func (l *Loader) readExcerpt(subject, group string) string {
	raw := filepath.Join(l.SubjectDir(subject), RawDir)
	candidates := []struct {
		suffix string
		limit  int
	}{
		{textbookSuffix, TextbookContextLimit},
		{contentSuffix, ContentContextLimit},
	}
	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(raw, group+c.suffix))
		if err != nil {
			continue
		}
		return textutil.Normalize(textutil.Truncate(string(data), c.limit))
	}
	return ""
}
