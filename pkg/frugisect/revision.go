package frugisect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// A Verdict is the outcome of testing a revision.
type Verdict int

const (
	VerdictGood Verdict = iota // The revision does not exhibit the fault
	VerdictBad                 // The revision exhibits the fault
	VerdictSkip                // The revision could not be tested, e.g. its build is broken
)

func (v Verdict) String() string {
	switch v {
	case VerdictGood:
		return "good"
	case VerdictBad:
		return "bad"
	case VerdictSkip:
		return "skip"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// BisectState tracks which revisions are still consistent with all verdicts
// collected so far.
//
// CurrentRange returns the candidate revisions ordered oldest to newest,
// excluding the bad anchor itself, together with the oldest known-bad
// revision. An empty candidate slice means bisection is done and the bad
// anchor is the culprit.
type BisectState interface {
	CurrentRange() (candidates []string, bad string, err error)
	RecordVerdict(revision string, verdict Verdict) error
}

// CommitDetails holds human-facing information about a single commit.
type CommitDetails struct {
	Hash string

	Message string
	Date    string
	Author  string
}

// GitState is a BisectState backed by an ongoing git bisect session. It only
// reads and writes the session's refs (refs/bisect/bad, refs/bisect/good-*,
// refs/bisect/skip-*), so it composes with a user driving git bisect by hand.
type GitState struct {
	repoPath string

	log *logrus.Entry
}

// NewGitState returns a GitState for the repository at repoPath. The
// repository does not need an active bisect session yet; use [GitState.Start]
// or plain git bisect to begin one.
func NewGitState(repoPath string, log *logrus.Logger) (*GitState, error) {
	if log == nil {
		log = mutedLogger()
	}
	if _, err := gitOutput(repoPath, "rev-parse", "--git-dir"); err != nil {
		return nil, errors.Join(fmt.Errorf("%s is not a git repository", repoPath), err)
	}
	return &GitState{
		repoPath: repoPath,
		log:      log.WithField("repo", repoPath),
	}, nil
}

// Start begins a bisect session with the given endpoints, leaving the working
// tree alone (--no-checkout). It verifies that good is an ancestor of bad
// first, since verdicts over an unrelated pair can never converge.
func (g *GitState) Start(goodCommit, badCommit string) error {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", goodCommit, badCommit)
	cmd.Dir = g.repoPath
	if err := cmd.Run(); err != nil {
		return &InconsistentVerdictsError{
			Good:   goodCommit,
			Bad:    badCommit,
			Reason: "good revision is not an ancestor of the bad revision",
		}
	}

	if _, err := gitOutput(g.repoPath, "bisect", "start", "--no-checkout", badCommit, goodCommit); err != nil {
		return errors.Join(fmt.Errorf("failed to start bisect session between %s and %s", goodCommit, badCommit), err)
	}
	g.log.Infof("Started bisect session: good %s, bad %s", goodCommit, badCommit)
	return nil
}

// InProgress reports whether a bisect session with at least one good and one
// bad ref exists.
func (g *GitState) InProgress() bool {
	goods, bad, err := g.bisectRefs()
	return err == nil && bad != "" && len(goods) > 0
}

// Reset ends the bisect session.
func (g *GitState) Reset() error {
	if _, err := gitOutput(g.repoPath, "bisect", "reset"); err != nil {
		return errors.Join(fmt.Errorf("failed to reset bisect session at %s", g.repoPath), err)
	}
	return nil
}

func (g *GitState) CurrentRange() ([]string, string, error) {
	goods, bad, err := g.bisectRefs()
	if err != nil {
		return nil, "", err
	}
	if bad == "" || len(goods) == 0 {
		return nil, "", fmt.Errorf("no bisect session in progress at %s (need refs/bisect/bad and at least one refs/bisect/good-*)", g.repoPath)
	}

	badHash, err := g.RevParse(bad)
	if err != nil {
		return nil, "", err
	}

	args := append([]string{"log", "--pretty=oneline", badHash, "--not"}, goods...)
	out, err := gitOutput(g.repoPath, args...)
	if err != nil {
		return nil, "", errors.Join(fmt.Errorf("failed to list commits between %v and %s", goods, bad), err)
	}

	skipped, err := g.skippedRevisions()
	if err != nil {
		return nil, "", err
	}
	candidates, skippedOut := parseOnelineHashes(out, badHash, skipped)
	if len(candidates) == 0 && skippedOut > 0 {
		return nil, "", &InconsistentVerdictsError{
			Good:   strings.TrimPrefix(path.Base(goods[0]), "good-"),
			Bad:    badHash,
			Reason: fmt.Sprintf("every remaining candidate is skipped (%d left untested)", skippedOut),
		}
	}
	return candidates, badHash, nil
}

func (g *GitState) RecordVerdict(revision string, verdict Verdict) error {
	if out, err := gitOutput(g.repoPath, "bisect", verdict.String(), revision); err != nil {
		return errors.Join(fmt.Errorf("failed to record %s verdict for %s, output: %s", verdict, revision, out), err)
	}
	g.log.Infof("Recorded verdict: %s is %s", revision, verdict)
	return nil
}

// RevParse canonicalizes a reference to a full commit hash.
func (g *GitState) RevParse(rev string) (string, error) {
	out, err := gitOutput(g.repoPath, "rev-parse", rev)
	if err != nil {
		return "", errors.Join(fmt.Errorf("failed to rev-parse %s", rev), err)
	}
	return strings.TrimSpace(out), nil
}

// Details returns the message, date and author of a commit for the final
// culprit report. Failures only cost report detail, so callers may log and
// continue.
func (g *GitState) Details(revision string) (CommitDetails, error) {
	details := CommitDetails{Hash: revision}
	out, err := gitOutput(g.repoPath, "--no-pager", "show", "-s", "--format=%B%n%aD%n%an <%ae>", revision)
	if err != nil {
		return details, errors.Join(fmt.Errorf("failed to get details of commit %s", revision), err)
	}
	if len(out) == 0 || strings.Count(out, "\n") < 3 {
		return details, fmt.Errorf("git show output is not of the expected format: %q", out)
	}

	// Trim trailing newline, then split the fixed tail fields off the message
	out = out[:len(out)-1]
	authorOffset := strings.LastIndex(out, "\n")
	dateOffset := strings.LastIndex(out[:authorOffset], "\n")

	details.Message = strings.TrimSpace(out[:dateOffset])
	details.Date = out[dateOffset+1 : authorOffset]
	details.Author = out[authorOffset+1:]
	return details, nil
}

// bisectRefs returns the good refs and the bad ref of the current session.
// The bad ref is empty if none exists.
func (g *GitState) bisectRefs() (goods []string, bad string, err error) {
	out, err := gitOutput(g.repoPath, "for-each-ref", "--format=%(refname)", "refs/bisect/")
	if err != nil {
		return nil, "", errors.Join(fmt.Errorf("failed to list bisect refs at %s", g.repoPath), err)
	}
	for _, ref := range strings.Fields(out) {
		name := path.Base(ref)
		switch {
		case name == "bad":
			bad = ref
		case strings.HasPrefix(name, "good-"):
			goods = append(goods, ref)
		}
	}
	return goods, bad, nil
}

// skippedRevisions returns the hashes marked with git bisect skip.
func (g *GitState) skippedRevisions() (map[string]bool, error) {
	out, err := gitOutput(g.repoPath, "for-each-ref", "--format=%(refname) %(objectname)", "refs/bisect/")
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to list bisect refs at %s", g.repoPath), err)
	}
	skipped := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if strings.HasPrefix(path.Base(fields[0]), "skip-") {
			skipped[fields[1]] = true
		}
	}
	return skipped, nil
}

// parseOnelineHashes extracts commit hashes from git log --pretty=oneline
// output, dropping the excluded hash and any skipped ones, and reverses the
// result into oldest-first order. It also reports how many hashes the skip set
// removed, so callers can tell an exhausted range from a finished one.
func parseOnelineHashes(out, exclude string, skipped map[string]bool) ([]string, int) {
	var newestFirst []string
	skippedOut := 0
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		hash := strings.SplitN(strings.TrimSpace(line), " ", 2)[0]
		if hash == exclude {
			continue
		}
		if skipped[hash] {
			skippedOut++
			continue
		}
		newestFirst = append(newestFirst, hash)
	}
	candidates := make([]string, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		candidates = append(candidates, newestFirst[i])
	}
	return candidates, skippedOut
}

// gitOutput runs git with the given arguments in dir and returns its stdout.
func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), errors.Join(fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr))), err)
		}
		return string(out), err
	}
	return string(out), nil
}

// MemoryState is an in-memory BisectState over a fixed, ordered span of
// revisions. revisions[0] is the known-good endpoint and revisions[N-1] the
// known-bad one, like the commit slices git bisect operates on. It backs
// simulations and tests, where shelling out to git would only add noise.
type MemoryState struct {
	revisions []string

	goodOffset int
	badOffset  int

	skipped map[string]bool
}

// NewMemoryState creates a MemoryState over the given span. At least the two
// endpoints must be present.
func NewMemoryState(revisions []string) (*MemoryState, error) {
	if len(revisions) < 2 {
		return nil, fmt.Errorf("revision span needs a good and a bad endpoint, got %d revisions", len(revisions))
	}
	return &MemoryState{
		revisions:  revisions,
		goodOffset: 0,
		badOffset:  len(revisions) - 1,
		skipped:    make(map[string]bool),
	}, nil
}

func (m *MemoryState) CurrentRange() ([]string, string, error) {
	candidates := make([]string, 0, m.badOffset-m.goodOffset-1)
	skippedOut := 0
	for i := m.goodOffset + 1; i < m.badOffset; i++ {
		if m.skipped[m.revisions[i]] {
			skippedOut++
			continue
		}
		candidates = append(candidates, m.revisions[i])
	}
	if len(candidates) == 0 && skippedOut > 0 {
		return nil, "", &InconsistentVerdictsError{
			Good:   m.revisions[m.goodOffset],
			Bad:    m.revisions[m.badOffset],
			Reason: fmt.Sprintf("every remaining candidate is skipped (%d left untested)", skippedOut),
		}
	}
	return candidates, m.revisions[m.badOffset], nil
}

func (m *MemoryState) RecordVerdict(revision string, verdict Verdict) error {
	offset := -1
	for i, rev := range m.revisions {
		if rev == revision {
			offset = i
			break
		}
	}
	if offset == -1 {
		return fmt.Errorf("revision %s is not part of the bisected span", revision)
	}

	switch verdict {
	case VerdictGood:
		if offset >= m.badOffset {
			return &InconsistentVerdictsError{
				Good:   revision,
				Bad:    m.revisions[m.badOffset],
				Reason: "revision marked good is not older than the known-bad revision",
			}
		}
		if offset > m.goodOffset {
			m.goodOffset = offset
		}
	case VerdictBad:
		if offset <= m.goodOffset {
			return &InconsistentVerdictsError{
				Good:   m.revisions[m.goodOffset],
				Bad:    revision,
				Reason: "revision marked bad is not newer than the known-good revision",
			}
		}
		if offset < m.badOffset {
			m.badOffset = offset
		}
	case VerdictSkip:
		m.skipped[revision] = true
	default:
		return fmt.Errorf("unknown verdict %d", verdict)
	}
	return nil
}

// Checkout strategies for materializing a revision into a working tree.
const (
	CheckoutWorktree = "worktree" // git worktree add of a temporary directory
	CheckoutCopy     = "copy"     // full copy of the repository, then hard reset
)

// A Workspace is a disposable working tree in which revisions are checked out
// for measuring and building, leaving the user's own tree untouched.
type Workspace struct {
	// Path is the root of the working tree. Build commands run here.
	Path string

	repoPath string
	strategy string
	tmpDir   string

	log *logrus.Entry
}

// NewWorkspace materializes a fresh working tree of the repository at
// repoPath using the given checkout strategy. The caller must Close it.
func NewWorkspace(repoPath, strategy string, log *logrus.Logger) (*Workspace, error) {
	if log == nil {
		log = mutedLogger()
	}
	tmpDir, err := os.MkdirTemp("", "frugisect-")
	if err != nil {
		return nil, err
	}

	w := &Workspace{
		repoPath: repoPath,
		strategy: strategy,
		tmpDir:   tmpDir,
		log:      log.WithField("workspace", tmpDir),
	}

	switch strategy {
	case CheckoutWorktree, "":
		w.strategy = CheckoutWorktree
		w.Path = path.Join(tmpDir, "w")
		out, err := gitOutput(repoPath, "worktree", "add", "--detach", w.Path)
		if err != nil {
			os.RemoveAll(tmpDir)
			return nil, errors.Join(fmt.Errorf("git worktree add at %s failed, output: %s", w.Path, out), err)
		}
	case CheckoutCopy:
		w.Path = tmpDir
		if err := copy.Copy(repoPath, tmpDir, copy.Options{Specials: true}); err != nil {
			os.RemoveAll(tmpDir)
			return nil, errors.Join(fmt.Errorf("copying repository %s to %s failed", repoPath, tmpDir), err)
		}
	default:
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("unknown checkout strategy %q", strategy)
	}

	w.log.Debugf("Created %s workspace", w.strategy)
	return w, nil
}

// Checkout switches the workspace to the given revision, discarding any local
// state left behind by a previous build.
func (w *Workspace) Checkout(revision string) error {
	switch w.strategy {
	case CheckoutWorktree:
		if out, err := gitOutput(w.Path, "checkout", "--detach", "--force", revision); err != nil {
			return errors.Join(fmt.Errorf("git checkout of %s at %s failed, output: %s", revision, w.Path, out), err)
		}
	case CheckoutCopy:
		cmd := exec.Command("sh", "-c", fmt.Sprintf("git add . && git reset --hard %s", revision))
		cmd.Dir = w.Path
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Join(fmt.Errorf("git reset to %s at %s failed, output: %s", revision, w.Path, out), err)
		}
	}

	// Keep submodules in sync with the checked out revision
	cmd := exec.Command("git", "submodule", "update", "--init", "--recursive")
	cmd.Dir = w.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(fmt.Errorf("git submodule update at %s failed, output: %s", w.Path, out), err)
	}

	w.log.Debugf("Checked out %s", revision)
	return nil
}

// Close removes the working tree. Safe to call on every exit path.
func (w *Workspace) Close() error {
	err := os.RemoveAll(w.tmpDir)
	if w.strategy == CheckoutWorktree {
		if _, pruneErr := gitOutput(w.repoPath, "worktree", "prune"); pruneErr != nil {
			err = errors.Join(err, pruneErr)
		}
	}
	return err
}

func mutedLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
