// Package gitrepo is a document store backed by one git repository per
// document. Every published version is a commit on main carrying the
// document as document.json and a lightweight tag named after the version.
// A deletion is a commit that removes document.json.
package gitrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

const (
	documentFile   = "document.json"
	mainBranch     = "main"
	versionTrailer = "Chronicle-Version: "
)

type Store struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) PublishedVersion(_ context.Context, target document.Reference) (document.Published, error) {
	lock := s.documentLock(target)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(target)
	if err != nil {
		return document.Published{}, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return document.Published{}, err
	}
	return publishedFromCommit(head)
}

func (s *Store) Revision(_ context.Context, target document.Reference, v version.Token) (*document.Document, error) {
	lock := s.documentLock(target)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(target)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Tag(tagName(v))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("%s at %s: %w", target, v, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tagName(v), err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	doc, err := readDocumentFromCommit(commitObj)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s at %s: %w", target, v, document.ErrNotFound)
	}
	return doc, err
}

func (s *Store) Commit(_ context.Context, req document.CommitRequest) (version.Token, error) {
	if req.Document == nil {
		return version.Zero, fmt.Errorf("commit %s: nil document", req.Target)
	}
	lock := s.documentLock(req.Target)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openOrInit(req.Target)
	if err != nil {
		return version.Zero, err
	}
	next, err := checkExpected(req.Target, head, req.Expected, req.MinorEdit)
	if err != nil {
		return version.Zero, err
	}
	if err := s.commit(repo, req.Document, next, req.Author, req.Message); err != nil {
		return version.Zero, err
	}
	return next, nil
}

func (s *Store) Delete(_ context.Context, target document.Reference, expected version.Token, author string) (version.Token, error) {
	lock := s.documentLock(target)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(target)
	if err != nil {
		return version.Zero, err
	}
	headObj, err := headCommit(repo)
	if err != nil {
		return version.Zero, err
	}
	head, err := publishedFromCommit(headObj)
	if err != nil {
		return version.Zero, err
	}
	if head.Removed {
		return version.Zero, fmt.Errorf("delete %s: %w", target, document.ErrNotFound)
	}
	next, err := checkExpected(target, head, expected, false)
	if err != nil {
		return version.Zero, err
	}
	if err := s.commit(repo, nil, next, author, "Delete "+target.String()); err != nil {
		return version.Zero, err
	}
	return next, nil
}

// History lists published versions of target, newest first. limit <= 0
// means no limit.
func (s *Store) History(target document.Reference, limit int) ([]document.Published, error) {
	lock := s.documentLock(target)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(target)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []document.Published
	err = iter.ForEach(func(commitObj *object.Commit) error {
		pub, err := publishedFromCommit(commitObj)
		if err != nil {
			return err
		}
		items = append(items, pub)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func checkExpected(target document.Reference, head document.Published, expected version.Token, minor bool) (version.Token, error) {
	if head.Version != expected {
		return version.Zero, &changerequest.ConcurrentModificationError{Target: target, Expected: expected, Actual: head.Version}
	}
	return head.Version.NextPublished(minor), nil
}

func (s *Store) open(target document.Reference) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(target))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", target, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

// openOrInit returns a zero head for a repository it had to create.
func (s *Store) openOrInit(target document.Reference) (*git.Repository, document.Published, error) {
	repo, err := s.open(target)
	if err == nil {
		headObj, err := headCommit(repo)
		if err != nil {
			return nil, document.Published{}, err
		}
		head, err := publishedFromCommit(headObj)
		return repo, head, err
	}
	if !errors.Is(err, document.ErrNotFound) {
		return nil, document.Published{}, err
	}

	path := s.repoPath(target)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, document.Published{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, document.Published{}, fmt.Errorf("init repo: %w", err)
	}
	return repo, document.Published{}, nil
}

func (s *Store) commit(repo *git.Repository, doc *document.Document, v version.Token, author, message string) error {
	_, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	initial := errors.Is(err, plumbing.ErrReferenceNotFound)
	if !initial {
		if err := checkoutBranch(repo, mainBranch); err != nil {
			return err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	if doc == nil {
		if _, err := worktree.Remove(documentFile); err != nil {
			return fmt.Errorf("git rm %s: %w", documentFile, err)
		}
	} else {
		payload, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		if err := os.WriteFile(filepath.Join(repoRoot, documentFile), append(payload, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", documentFile, err)
		}
		if _, err := worktree.Add(documentFile); err != nil {
			return fmt.Errorf("git add %s: %w", documentFile, err)
		}
	}

	if author == "" {
		author = "Chronicle"
	}
	if message == "" {
		message = "Publish " + v.String()
	}
	hash, err := worktree.Commit(fmt.Sprintf("%s\n\n%s%s\n", message, versionTrailer, v), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.chronicle.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", v, err)
	}

	if initial {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
			return fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
			return fmt.Errorf("set HEAD to main: %w", err)
		}
	}
	if _, err := repo.CreateTag(tagName(v), hash, nil); err != nil {
		return fmt.Errorf("tag %s: %w", v, err)
	}
	return nil
}

// repoPath maps a reference to its repository directory. The sanitized ID
// and locale keep the layout readable; the suffix is the first bytes of a
// sha256 over the raw ID and locale, so references that sanitize alike
// still get distinct repositories.
func (s *Store) repoPath(target document.Reference) string {
	sum := sha256.Sum256([]byte(target.ID + "\x00" + target.Locale))
	dir := sanitizePath(target.ID) + "-" + hex.EncodeToString(sum[:6])
	locale := target.Locale
	if locale == "" {
		locale = "_default"
	}
	return filepath.Join(s.baseDir, dir, sanitizePath(locale))
}

// documentLock is keyed by the repository path so every reference that
// shares a directory also shares the mutex.
func (s *Store) documentLock(target document.Reference) *sync.Mutex {
	key := s.repoPath(target)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func publishedFromCommit(commitObj *object.Commit) (document.Published, error) {
	v, err := versionFromMessage(commitObj.Message)
	if err != nil {
		return document.Published{}, fmt.Errorf("commit %s: %w", commitObj.Hash, err)
	}
	_, err = commitObj.File(documentFile)
	removed := errors.Is(err, object.ErrFileNotFound)
	if err != nil && !removed {
		return document.Published{}, fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	return document.Published{Version: v, Date: commitObj.Author.When.UTC(), Removed: removed}, nil
}

func versionFromMessage(message string) (version.Token, error) {
	for _, line := range strings.Split(message, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), versionTrailer); ok {
			return version.Parse(value)
		}
	}
	return version.Zero, errors.New("missing version trailer")
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branchName), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func readDocumentFromCommit(commitObj *object.Commit) (*document.Document, error) {
	file, err := commitObj.File(documentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open document reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read document bytes: %w", err)
	}
	doc := &document.Document{}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, fmt.Errorf("decode commit document: %w", err)
	}
	return doc, nil
}

func tagName(v version.Token) string {
	return "v" + v.String()
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

func sanitizePath(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
