// Package archive mirrors every saved contract version into a per-contract
// git repository. The database is the source of truth; the archive is an
// independent audit trail that survives it and gives reviewers familiar
// tooling (log, tags, patches) over version history.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contractFile = "contract.md"

// CommitInfo describes one archived version.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitVersion writes the version's rendered markdown and commits it. The
// repository is created on first use. Returns the commit for the version.
func (s *Service) CommitVersion(contractID string, versionNumber int, markdown, author string) (CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(contractID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	path := filepath.Join(s.repoPath(contractID), contractFile)
	if err := os.WriteFile(path, []byte(markdown+"\n"), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write contract file: %w", err)
	}
	if _, err := worktree.Add(contractFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add contract file: %w", err)
	}

	message := fmt.Sprintf("Version %d", versionNumber)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		// Restores can re-save identical content as a new version.
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.redline.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit version: %w", err)
	}

	// A lightweight per-version tag makes any version addressable by number.
	versionTag := fmt.Sprintf("v%d", versionNumber)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewTagReferenceName(versionTag), hash)); err != nil {
		return CommitInfo{}, fmt.Errorf("tag version: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// TagApproved marks a version's commit with an annotated approval tag.
func (s *Service) TagApproved(contractID string, versionNumber int, approver string) error {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contractID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewTagReferenceName(fmt.Sprintf("v%d", versionNumber)), true)
	if err != nil {
		return fmt.Errorf("resolve version tag v%d: %w", versionNumber, err)
	}

	name := fmt.Sprintf("approved-v%d", versionNumber)
	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  approver,
			Email: fmt.Sprintf("%s@local.redline.dev", sanitizeEmail(approver)),
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create approval tag: %w", err)
	}
	return nil
}

// History lists archived versions, newest first.
func (s *Service) History(contractID string, limit int) ([]CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contractID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return []CommitInfo{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Patch renders a unified diff between two archived versions.
func (s *Service) Patch(contractID string, fromVersion, toVersion int) (string, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contractID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	fromCommit, err := commitForVersion(repo, fromVersion)
	if err != nil {
		return "", err
	}
	toCommit, err := commitForVersion(repo, toVersion)
	if err != nil {
		return "", err
	}

	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return "", fmt.Errorf("compute patch: %w", err)
	}
	return patch.String(), nil
}

func (s *Service) repoPath(contractID string) string {
	return filepath.Join(s.baseDir, contractID)
}

func (s *Service) openOrInit(contractID string) (*git.Repository, error) {
	path := s.repoPath(contractID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) contractLock(contractID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[contractID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[contractID] = lock
	return lock
}

var errStopIteration = errors.New("stop iteration")

func commitForVersion(repo *git.Repository, versionNumber int) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewTagReferenceName(fmt.Sprintf("v%d", versionNumber)), true)
	if err != nil {
		return nil, fmt.Errorf("resolve version tag v%d: %w", versionNumber, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit for v%d: %w", versionNumber, err)
	}
	return commitObj, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
