//go:build integration

package frugisect_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/stretchr/testify/assert"
)

// initTestRepo creates a git repository with six commits. Commit i writes
// version i of answer.txt, broken from the fault index onward, and a build
// plan that makes commit 3 the expensive one to probe.
func initTestRepo(t *testing.T, fault int) (string, []string) {
	dir := t.TempDir()
	git := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=tester", "GIT_AUTHOR_EMAIL=tester@invalid",
			"GIT_COMMITTER_NAME=tester", "GIT_COMMITTER_EMAIL=tester@invalid",
		)
		out, err := cmd.CombinedOutput()
		assert.Nilf(t, err, "git %v failed: %s", args, out)
		return strings.TrimSpace(string(out))
	}

	git("init")

	var hashes []string
	for i := 0; i < 6; i++ {
		answer := "ok"
		if i >= fault {
			answer = "broken"
		}
		assert.Nil(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte(answer), 0o644), "Couldn't write answer.txt")

		plan := fmt.Sprintf("obj/main%d.o\n", i)
		if i == 3 {
			plan += "obj/world.o\nobj/extra.o\n"
		}
		assert.Nil(t, os.WriteFile(filepath.Join(dir, "plan.txt"), []byte(plan), 0o644), "Couldn't write plan.txt")

		git("add", ".")
		git("commit", "-m", fmt.Sprintf("commit %d", i))
		hashes = append(hashes, git("rev-parse", "HEAD"))
	}
	return dir, hashes
}

func planJob(t *testing.T, repo string, hashes []string) frugisect.Job {
	return frugisect.Job{
		Repository:    repo,
		GoodCommit:    hashes[0],
		BadCommit:     hashes[len(hashes)-1],
		Command:       []string{"cat", "plan.txt"},
		DryRunFlag:    "none",
		ArtifactRegex: `obj/[a-z0-9]+\.o`,
		ArtifactCheck: frugisect.ArtifactCheckNone,
		CachePath:     filepath.Join(t.TempDir(), "costs.db"),
		Parallelism:   1,
	}
}

func TestGitStateBisect(t *testing.T) {
	repo, hashes := initTestRepo(t, 3)

	state, err := frugisect.NewGitState(repo, nil)
	assert.Nil(t, err, "NewGitState returned an error")
	assert.False(t, state.InProgress(), "Fresh repository reported a session in progress")

	var inconsistent *frugisect.InconsistentVerdictsError
	err = state.Start(hashes[5], hashes[0])
	assert.ErrorAs(t, err, &inconsistent, "Swapped endpoints were not rejected")

	assert.Nil(t, state.Start(hashes[0], hashes[5]), "Start returned an error")
	assert.True(t, state.InProgress(), "Started session was not detected")

	candidates, bad, err := state.CurrentRange()
	assert.Nil(t, err, "CurrentRange returned an error")
	assert.Equal(t, hashes[1:5], candidates, "Wrong candidates or wrong order")
	assert.Equal(t, hashes[5], bad, "Wrong bad anchor")

	assert.Nil(t, state.RecordVerdict(hashes[2], frugisect.VerdictGood), "RecordVerdict returned an error")
	candidates, _, err = state.CurrentRange()
	assert.Nil(t, err, "CurrentRange returned an error")
	assert.Equal(t, hashes[3:5], candidates, "Good verdict did not drop older candidates")

	assert.Nil(t, state.RecordVerdict(hashes[4], frugisect.VerdictBad), "RecordVerdict returned an error")
	candidates, bad, err = state.CurrentRange()
	assert.Nil(t, err, "CurrentRange returned an error")
	assert.Equal(t, hashes[3:4], candidates, "Bad verdict did not drop newer candidates")
	assert.Equal(t, hashes[4], bad, "Bad verdict did not move the bad anchor")

	assert.Nil(t, state.RecordVerdict(hashes[3], frugisect.VerdictSkip), "RecordVerdict returned an error")
	_, _, err = state.CurrentRange()
	assert.ErrorAs(t, err, &inconsistent, "Exhausting the range by skips was not flagged")

	assert.Nil(t, state.Reset(), "Reset returned an error")
	assert.False(t, state.InProgress(), "Reset did not end the session")
}

func TestGitStateDetails(t *testing.T) {
	repo, hashes := initTestRepo(t, 3)

	state, err := frugisect.NewGitState(repo, nil)
	assert.Nil(t, err, "NewGitState returned an error")

	details, err := state.Details(hashes[2])
	assert.Nil(t, err, "Details returned an error")
	assert.Equal(t, hashes[2], details.Hash, "Wrong hash")
	assert.Equal(t, "commit 2", details.Message, "Wrong message")
	assert.Equal(t, "tester <tester@invalid>", details.Author, "Wrong author")
	assert.NotEmpty(t, details.Date, "Date was not filled in")

	short, err := state.RevParse(hashes[2][:8])
	assert.Nil(t, err, "RevParse returned an error")
	assert.Equal(t, hashes[2], short, "Short hash was not canonicalized")
}

func TestWorkspaceCheckout(t *testing.T) {
	for _, strategy := range []string{frugisect.CheckoutWorktree, frugisect.CheckoutCopy} {
		t.Run("Strategy "+strategy, func(t *testing.T) {
			repo, hashes := initTestRepo(t, 3)

			workspace, err := frugisect.NewWorkspace(repo, strategy, nil)
			assert.Nil(t, err, "NewWorkspace returned an error")

			assert.Nil(t, workspace.Checkout(hashes[1]), "Checkout returned an error")
			answer, err := os.ReadFile(filepath.Join(workspace.Path, "answer.txt"))
			assert.Nil(t, err, "Couldn't read answer.txt")
			assert.Equal(t, "ok", string(answer), "Wrong revision checked out")

			assert.Nil(t, workspace.Checkout(hashes[4]), "Checkout returned an error")
			answer, err = os.ReadFile(filepath.Join(workspace.Path, "answer.txt"))
			assert.Nil(t, err, "Couldn't read answer.txt")
			assert.Equal(t, "broken", string(answer), "Wrong revision checked out")

			// The user's own tree never moves
			head, err := exec.Command("git", "-C", repo, "rev-parse", "HEAD").Output()
			assert.Nil(t, err, "rev-parse failed")
			assert.Equal(t, hashes[5], strings.TrimSpace(string(head)), "Workspace checkout moved the repository HEAD")

			assert.Nil(t, workspace.Close(), "Close returned an error")
			_, err = os.Stat(workspace.Path)
			assert.NotNil(t, err, "Workspace was not removed")
		})
	}
}

func TestJobPick(t *testing.T) {
	repo, hashes := initTestRepo(t, 2)
	job := planJob(t, repo, hashes)

	pick, err := job.Pick()
	assert.Nil(t, err, "Pick returned an error")
	assert.Equal(t, hashes[5], pick.Bad, "Wrong bad anchor")
	assert.Equal(t, 4, len(pick.Candidates), "Wrong candidate count")
	assert.Greater(t, pick.Expected, 0.0, "Expected cost was not computed")

	// Commit 3 plans three objects while everything else plans one, so it
	// must not be the best pick
	assert.NotEqual(t, hashes[3], pick.Candidates[0].Revision, "The expensive revision was picked first")
	assert.Equal(t, 3, pick.Candidates[len(pick.Candidates)-1].Cost, "The expensive revision should rank last")

	// Picking records no verdicts, so asking again gives the same answer
	again, err := job.Pick()
	assert.Nil(t, err, "Second Pick returned an error")
	assert.Equal(t, pick.Candidates[0].Revision, again.Candidates[0].Revision, "Pick changed without any verdicts")
}

func TestJobBisect(t *testing.T) {
	repo, hashes := initTestRepo(t, 2)
	job := planJob(t, repo, hashes)

	driver, err := job.Driver()
	assert.Nil(t, err, "Driver returned an error")
	defer driver.Close()

	culprit, err := driver.Bisect(func(probe frugisect.Probe) (frugisect.Verdict, error) {
		answer, err := os.ReadFile(filepath.Join(probe.Location, "answer.txt"))
		if err != nil {
			return frugisect.VerdictSkip, nil
		}
		if strings.Contains(string(answer), "broken") {
			return frugisect.VerdictBad, nil
		}
		return frugisect.VerdictGood, nil
	})
	assert.Nil(t, err, "Bisect returned an error")
	assert.Equal(t, hashes[2], culprit.Revision, "Wrong culprit")
	assert.Equal(t, "commit 2", culprit.Details.Message, "Wrong culprit message")
	assert.Greater(t, culprit.Probes, 0, "No probes were counted")

	// Hand the tree over at the culprit
	assert.Nil(t, job.CheckoutRevision(culprit.Revision), "CheckoutRevision returned an error")
	answer, err := os.ReadFile(filepath.Join(repo, "answer.txt"))
	assert.Nil(t, err, "Couldn't read answer.txt")
	assert.Equal(t, "broken", string(answer), "Wrong revision checked out")
}
