package localbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// SourceInfo describes the source checkout a build runs against. It
// feeds the built-in substitution variables.
type SourceInfo struct {
	CommitSHA string
	Branch    string
	Tag       string
	RepoName  string
}

// PrepareLocalSource uses dir as the build workspace. When the
// directory is a git checkout its HEAD feeds the source-derived
// substitutions, and submodules are initialized and updated when
// fetchSubmodules is set. A non-git directory is fine: the source
// variables stay empty.
func PrepareLocalSource(ctx context.Context, dir string, fetchSubmodules bool, logger zerolog.Logger) (string, *SourceInfo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("resolve source dir: %w", err)
	}

	repo, err := git.PlainOpen(abs)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return abs, &SourceInfo{}, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("open git repo: %w", err)
	}

	if fetchSubmodules {
		if err := updateSubmodules(ctx, repo, logger); err != nil {
			return "", nil, err
		}
	}

	info, err := inspectRepo(repo, filepath.Base(abs))
	if err != nil {
		return "", nil, err
	}
	return abs, info, nil
}

// CloneSource clones repoURL into destDir, recursing into submodules,
// and returns the checkout's source info. ref may be empty (default
// branch), a branch or tag name, or a full refname.
func CloneSource(ctx context.Context, repoURL, ref, destDir string, out io.Writer) (*SourceInfo, error) {
	opts := &git.CloneOptions{
		URL:               repoURL,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		Progress:          out,
	}
	if ref != "" {
		if strings.HasPrefix(ref, "refs/") {
			opts.ReferenceName = plumbing.ReferenceName(ref)
		} else {
			opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		}
	}

	repo, err := git.PlainCloneContext(ctx, destDir, false, opts)
	if err != nil && ref != "" && !strings.HasPrefix(ref, "refs/") {
		// The ref may be a tag rather than a branch
		opts.ReferenceName = plumbing.NewTagReferenceName(ref)
		repo, err = git.PlainCloneContext(ctx, destDir, false, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", repoURL, err)
	}

	return inspectRepo(repo, repoNameFromURL(repoURL))
}

// updateSubmodules runs the equivalent of
// `git submodule update --init --recursive` on the worktree.
func updateSubmodules(ctx context.Context, repo *git.Repository, logger zerolog.Logger) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	subs, err := wt.Submodules()
	if err != nil {
		return fmt.Errorf("submodules: %w", err)
	}
	for _, sub := range subs {
		logger.Info().Str("submodule", sub.Config().Name).Msg("updating submodule")
		err := sub.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
			Init:              true,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		})
		if err != nil {
			return fmt.Errorf("update submodule %s: %w", sub.Config().Name, err)
		}
	}
	return nil
}

// inspectRepo derives commit, branch and tag names from HEAD.
func inspectRepo(repo *git.Repository, repoName string) (*SourceInfo, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Empty repository
		return &SourceInfo{RepoName: repoName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("git HEAD: %w", err)
	}

	info := &SourceInfo{
		CommitSHA: head.Hash().String(),
		RepoName:  repoName,
	}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	// A tag pointing at HEAD sets TAG_NAME
	tags, err := repo.Tags()
	if err == nil {
		_ = tags.ForEach(func(ref *plumbing.Reference) error {
			if ref.Hash() == head.Hash() && info.Tag == "" {
				info.Tag = ref.Name().Short()
			}
			return nil
		})
	}

	return info, nil
}

func repoNameFromURL(u string) string {
	u = strings.TrimSuffix(u, ".git")
	u = strings.TrimSuffix(u, "/")
	if idx := strings.LastIndexAny(u, "/:"); idx >= 0 {
		return u[idx+1:]
	}
	return u
}
