// Package analyzer computes a 0-100 completeness score for a GitHub
// repository by shallow-cloning it, inspecting the tree for project
// hygiene signals, and combining those with commit and contributor
// counts fetched from the GitHub API.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/sync/errgroup"
)

// CountFetcher provides the repository history counts the tree inspection
// cannot see through a depth-1 clone.
type CountFetcher interface {
	CommitCount(ctx context.Context, owner, name string) (int, error)
	ContributorCount(ctx context.Context, owner, name string) (int, error)
}

// Signals are the tree-level hygiene facts found in a clone.
type Signals struct {
	HasReadme         bool `json:"hasReadme"`
	HasPackageManager bool `json:"hasPackageManager"`
	HasTests          bool `json:"hasTests"`
	HasConfig         bool `json:"hasConfig"`
	HasDocs           bool `json:"hasDocs"`
	HasLicense        bool `json:"hasLicense"`
	HasCI             bool `json:"hasCI"`
}

// Result is everything an analysis run produces.
type Result struct {
	Score            int       `json:"score"`
	Signals          Signals   `json:"signals"`
	CommitCount      int       `json:"commitCount"`
	ContributorCount int       `json:"contributorCount"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
}

type Service struct {
	baseDir string
	logger  *slog.Logger
}

func New(baseDir string, logger *slog.Logger) *Service {
	return &Service{baseDir: baseDir, logger: logger}
}

// Analyze clones the repository and fetches history counts in parallel,
// then folds everything into a single score. branch pins the single-branch
// clone; empty means the remote HEAD.
func (s *Service) Analyze(ctx context.Context, owner, name, cloneURL, branch, token string, counts CountFetcher) (Result, error) {
	var (
		signals              Signals
		commits, contributor int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		found, err := s.inspectClone(groupCtx, owner, name, cloneURL, branch, token)
		if err != nil {
			return err
		}
		signals = found
		return nil
	})
	group.Go(func() error {
		n, err := counts.CommitCount(groupCtx, owner, name)
		if err != nil {
			return err
		}
		commits = n
		return nil
	})
	group.Go(func() error {
		n, err := counts.ContributorCount(groupCtx, owner, name)
		if err != nil {
			return err
		}
		contributor = n
		return nil
	})
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	return Result{
		Score:            scoreSignals(signals, commits, contributor),
		Signals:          signals,
		CommitCount:      commits,
		ContributorCount: contributor,
		AnalyzedAt:       time.Now().UTC(),
	}, nil
}

func (s *Service) inspectClone(ctx context.Context, owner, name, cloneURL, branch, token string) (Signals, error) {
	dir, err := os.MkdirTemp(s.baseDir, fmt.Sprintf("%s-%s-*", owner, name))
	if err != nil {
		return Signals{}, fmt.Errorf("create clone dir: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := &git.CloneOptions{
		URL:          cloneURL,
		Depth:        1,
		SingleBranch: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return Signals{}, fmt.Errorf("clone %s: %w", cloneURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return Signals{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Signals{}, fmt.Errorf("load HEAD commit: %w", err)
	}
	files, err := commitObj.Files()
	if err != nil {
		return Signals{}, fmt.Errorf("read commit tree: %w", err)
	}
	defer files.Close()

	paths := make([]string, 0, 256)
	err = files.ForEach(func(file *object.File) error {
		paths = append(paths, file.Name)
		return nil
	})
	if err != nil {
		return Signals{}, fmt.Errorf("iterate tree: %w", err)
	}
	return inspectPaths(paths), nil
}

var packageManifests = map[string]bool{
	"go.mod":           true,
	"package.json":     true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"setup.py":         true,
	"cargo.toml":       true,
	"gemfile":          true,
	"pom.xml":          true,
	"build.gradle":     true,
	"composer.json":    true,
}

var ciFiles = map[string]bool{
	".gitlab-ci.yml":      true,
	".travis.yml":         true,
	"jenkinsfile":         true,
	"azure-pipelines.yml": true,
}

// inspectPaths derives hygiene signals from a flat list of tree paths.
func inspectPaths(paths []string) Signals {
	var sig Signals
	for _, path := range paths {
		lower := strings.ToLower(path)
		base := filepath.Base(lower)
		atRoot := !strings.Contains(lower, "/")

		switch {
		case atRoot && strings.HasPrefix(base, "readme"):
			sig.HasReadme = true
		case atRoot && (strings.HasPrefix(base, "license") || strings.HasPrefix(base, "copying")):
			sig.HasLicense = true
		}
		if atRoot && packageManifests[base] {
			sig.HasPackageManager = true
		}
		if strings.HasSuffix(base, "_test.go") ||
			strings.HasPrefix(lower, "test/") || strings.HasPrefix(lower, "tests/") ||
			strings.HasPrefix(lower, "spec/") || strings.Contains(lower, "__tests__/") ||
			strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
			sig.HasTests = true
		}
		if atRoot && (base == ".env.example" || base == "dockerfile" || base == "docker-compose.yml" ||
			base == "makefile" || strings.HasSuffix(base, ".toml") || strings.HasSuffix(base, ".yaml") ||
			strings.HasSuffix(base, ".yml") || strings.HasSuffix(base, ".ini")) {
			sig.HasConfig = true
		}
		if strings.HasPrefix(lower, "docs/") || strings.HasPrefix(lower, "doc/") ||
			(atRoot && strings.HasSuffix(base, ".md") && !strings.HasPrefix(base, "readme")) {
			sig.HasDocs = true
		}
		if strings.HasPrefix(lower, ".github/workflows/") || strings.HasPrefix(lower, ".circleci/") ||
			(atRoot && ciFiles[base]) {
			sig.HasCI = true
		}
	}
	return sig
}

func scoreSignals(sig Signals, commits, contributors int) int {
	score := 0
	if sig.HasReadme {
		score += WeightReadme
	}
	if sig.HasPackageManager {
		score += WeightPackageManager
	}
	if sig.HasTests {
		score += WeightTests
	}
	if sig.HasConfig {
		score += WeightConfig
	}
	if sig.HasDocs {
		score += WeightDocs
	}
	if sig.HasLicense {
		score += WeightLicense
	}
	if sig.HasCI {
		score += WeightCI
	}
	score += maturityScore(commits)
	score += contributorScore(contributors)
	return score
}
