package frugisect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	_ "crypto/sha256"

	"github.com/creasty/defaults"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type jobYaml struct {
	Repository string `default:"." yaml:"repository"`

	GoodCommit string `yaml:"goodCommit"`
	BadCommit  string `yaml:"badCommit"`

	SkippedCommits []string `yaml:"skippedCommits"`

	Command    []string `yaml:"command"`
	DryRunFlag string   `yaml:"dryRunFlag"`

	ArtifactRegex string `yaml:"artifactRegex"`
	ArtifactCheck string `default:"drv" yaml:"artifactCheck"`

	Checkout string `default:"worktree" yaml:"checkout"`

	CachePath      string `yaml:"cachePath"`
	Parallelism    int    `default:"1" yaml:"parallelism"`
	MeasureRetries uint64 `default:"2" yaml:"measureRetries"`

	Dockerfile     string `yaml:"dockerfile"`
	DockerfilePath string `yaml:"dockerfilePath"`
}

// GetJobFromConfig reads in a job config in yaml format from a reader and
// initializes the corresponding job struct
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	// Convert to Job struct
	job := Job{
		Repository: config.Repository,

		GoodCommit: config.GoodCommit,
		BadCommit:  config.BadCommit,

		SkippedCommits: config.SkippedCommits,

		Command:    config.Command,
		DryRunFlag: config.DryRunFlag,

		ArtifactRegex: config.ArtifactRegex,
		ArtifactCheck: config.ArtifactCheck,

		Checkout: config.Checkout,

		CachePath:      config.CachePath,
		Parallelism:    config.Parallelism,
		MeasureRetries: config.MeasureRetries,

		Dockerfile:     config.Dockerfile,
		DockerfilePath: config.DockerfilePath,
	}

	if err := job.validate(); err != nil {
		return nil, err
	}

	return &job, nil
}

// A Job holds everything needed to bisect one regression: where the
// repository is, how to build it, and how costs are measured and cached.
// The zero value plus Repository and Command is usable; every other field
// has a sensible default.
type Job struct {
	Repository string // The path to the git repository to bisect

	GoodCommit string // The oldest revision known not to exhibit the fault. Optional if a bisect session is already in progress.
	BadCommit  string // The oldest revision known to exhibit the fault. Optional if a bisect session is already in progress.

	SkippedCommits []string // Revisions that should never be tested, e.g. known-broken builds

	// The build command argv. Its dry run enumerates the artifacts a real
	// build would create, which is what the cost of a revision is counted in.
	Command []string
	// The flag appended to Command for dry runs. Empty means the default
	// --dry-run; the literal value "none" appends nothing, for commands that
	// already are dry runs.
	DryRunFlag string

	ArtifactRegex string // How to recognize planned artifacts in dry-run output. Empty means the nix .drv store path pattern.
	ArtifactCheck string // One of none, path or drv: how to decide that a planned artifact is already built

	Checkout string // How revisions are materialized into working trees: worktree or copy

	CachePath      string // The cost store location. Empty means the per-user default.
	Parallelism    int    // How many cost measurements may run at once. Each one gets its own working tree.
	MeasureRetries uint64 // How often a failing measurement pass is retried before giving up. Build failures are never retried.

	Dockerfile     string // The contents of the dockerfile. Setting either dockerfile field switches the job to docker mode, where the unit of rebuild is the image.
	DockerfilePath string // The path to the dockerfile relative to the present working directory. Only gets used if Dockerfile is empty.

	Log *logrus.Logger // The log to which information gets printed to

	dockerfileString string // The parsed dockerfile for building the repository
	dockerfileHash   string // The hash of the dockerfile string, for differentiating them in built images
}

// A Pick is the result of ranking the current candidate range once, without
// recording any verdict. An empty Candidates slice means bisection is already
// done and Bad is the culprit.
type Pick struct {
	Bad        string      // The current bad anchor
	Candidates []Candidate // All candidates, best pick first
	Expected   float64     // Expected total remaining rebuild cost when following the best pick
}

// Pick measures the cost of every candidate in the current range and returns
// them ranked. It never builds anything for real and records no verdicts, so
// it can be called repeatedly while bisecting by hand.
func (j *Job) Pick() (*Pick, error) {
	state, err := j.openState()
	if err != nil {
		return nil, err
	}

	s, err := j.newSession(false)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	candidates, bad, err := state.CurrentRange()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Pick{Bad: bad}, nil
	}

	if _, err := s.cache.GetOrComputeMany(candidates); err != nil {
		return nil, err
	}
	costs := make([]RevisionCost, len(candidates))
	for i, revision := range candidates {
		cost, err := s.cache.EffectiveCost(revision)
		if err != nil {
			return nil, err
		}
		costs[i] = RevisionCost{Revision: revision, Cost: cost}
	}

	ranked, err := Rank(costs)
	if err != nil {
		return nil, err
	}
	return &Pick{
		Bad:        bad,
		Candidates: ranked,
		Expected:   ranked[0].Expected,
	}, nil
}

// Driver assembles a ready-to-run bisection driver for the job: bisect state
// from the repository, cost cache over the configured store, and the build
// runner matching the job's mode. The caller must Close the driver.
func (j *Job) Driver() (*Driver, error) {
	state, err := j.openState()
	if err != nil {
		return nil, err
	}

	s, err := j.newSession(true)
	if err != nil {
		return nil, err
	}

	driver := NewDriver(state, s.cache, s.runner, j.Log)
	driver.Retries = j.MeasureRetries
	driver.closers = append(driver.closers, s)
	return driver, nil
}

// CheckoutRevision checks the given revision out in the job's repository
// itself, for handing the tree over to the user.
func (j *Job) CheckoutRevision(revision string) error {
	if out, err := gitOutput(j.Repository, "checkout", revision); err != nil {
		return errors.Join(fmt.Errorf("failed to check out %s at %s, output: %s", revision, j.Repository, out), err)
	}
	return nil
}

// openState connects to the repository's bisect session, starting one from
// the configured endpoints if none is in progress yet.
func (j *Job) openState() (*GitState, error) {
	state, err := NewGitState(j.Repository, j.Log)
	if err != nil {
		return nil, err
	}

	if !state.InProgress() {
		if j.GoodCommit == "" || j.BadCommit == "" {
			return nil, fmt.Errorf("no bisect session in progress at %s and no goodCommit/badCommit configured", j.Repository)
		}
		if err := state.Start(j.GoodCommit, j.BadCommit); err != nil {
			return nil, err
		}
	}

	for _, revision := range j.SkippedCommits {
		if err := state.RecordVerdict(revision, VerdictSkip); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to skip configured commit %s", revision), err)
		}
	}

	return state, nil
}

// A session bundles the per-invocation resources of a job: the opened cost
// store, the cache bound to it, the runner and every workspace backing them.
type session struct {
	store  Store
	cache  *CostCache
	runner Runner

	workspaces []*Workspace
	closers    []io.Closer
}

func (s *session) Close() error {
	var errs []error
	for _, w := range s.workspaces {
		errs = append(errs, w.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// newSession opens the store and builds oracle, cache and, if asked for,
// runner. On any error everything opened so far is closed again.
func (j *Job) newSession(withRunner bool) (*session, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}

	storePath := j.CachePath
	if storePath == "" {
		storePath = DefaultStorePath()
	}
	store, err := OpenBoltStore(storePath)
	if err != nil {
		return nil, err
	}
	s := &session{store: store}

	if j.usesDocker() {
		if err := j.parseDockerfile(); err != nil {
			s.Close()
			return nil, errors.Join(fmt.Errorf("failed to parse dockerfile"), err)
		}

		oracle, err := NewImageOracle(j.imageTag, j.Log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, oracle)
		s.cache = NewCostCache(store, oracle, j.signatureArgv(), j.Parallelism, j.Log)

		if withRunner {
			workspace, err := NewWorkspace(j.Repository, j.Checkout, j.Log)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.workspaces = append(s.workspaces, workspace)

			runner, err := NewDockerRunner(workspace, j.dockerfileString, j.imageTag, j.Log)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.closers = append(s.closers, runner)
			s.runner = runner
		}
		return s, nil
	}

	pattern := defaultArtifactPattern
	if j.ArtifactRegex != "" {
		pattern, err = regexp.Compile(j.ArtifactRegex)
		if err != nil {
			s.Close()
			return nil, errors.Join(fmt.Errorf("invalid artifact regex %q", j.ArtifactRegex), err)
		}
	}

	count := j.Parallelism
	if count < 1 {
		count = 1
	}
	oracles := make([]CostOracle, 0, count)
	for i := 0; i < count; i++ {
		workspace, err := NewWorkspace(j.Repository, j.Checkout, j.Log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.workspaces = append(s.workspaces, workspace)

		oracle, err := NewDryRunOracle(j.Command, workspace, j.Log)
		if err != nil {
			s.Close()
			return nil, err
		}
		oracle.DryRunFlag = j.dryRunFlag()
		oracle.ArtifactPattern = pattern
		if j.ArtifactCheck != "" {
			oracle.ArtifactCheck = j.ArtifactCheck
		}
		oracles = append(oracles, oracle)
	}

	var oracle CostOracle = oracles[0]
	if len(oracles) > 1 {
		oracle, err = NewOraclePool(oracles)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	s.cache = NewCostCache(store, oracle, j.Command, j.Parallelism, j.Log)

	if withRunner {
		workspace, err := NewWorkspace(j.Repository, j.Checkout, j.Log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.workspaces = append(s.workspaces, workspace)
		s.runner = NewCommandRunner(j.Command, workspace, j.Log)
	}

	return s, nil
}

func (j *Job) validate() error {
	if !j.usesDocker() && len(j.Command) == 0 {
		return fmt.Errorf("either a build command or a dockerfile must be configured")
	}

	switch j.ArtifactCheck {
	case "", ArtifactCheckNone, ArtifactCheckPath, ArtifactCheckDrv:
	default:
		return fmt.Errorf("invalid artifact check %q, must be one of %s, %s or %s",
			j.ArtifactCheck, ArtifactCheckNone, ArtifactCheckPath, ArtifactCheckDrv)
	}

	switch j.Checkout {
	case "", CheckoutWorktree, CheckoutCopy:
	default:
		return fmt.Errorf("invalid checkout strategy %q, must be %s or %s",
			j.Checkout, CheckoutWorktree, CheckoutCopy)
	}

	if j.ArtifactRegex != "" {
		if _, err := regexp.Compile(j.ArtifactRegex); err != nil {
			return errors.Join(fmt.Errorf("invalid artifact regex %q", j.ArtifactRegex), err)
		}
	}

	return nil
}

func (j *Job) usesDocker() bool {
	return j.Dockerfile != "" || j.DockerfilePath != ""
}

// dryRunFlag resolves the configured flag value to what actually gets
// appended to the command.
func (j *Job) dryRunFlag() string {
	switch j.DryRunFlag {
	case "":
		return "--dry-run"
	case "none":
		return ""
	}
	return j.DryRunFlag
}

// signatureArgv is what cost records of this job are keyed by. In docker mode
// the dockerfile stands in for the build command.
func (j *Job) signatureArgv() []string {
	if j.usesDocker() {
		return []string{"docker-build", j.dockerfileHash}
	}
	return j.Command
}

// parseDockerfile sets j.dockerfileString based on the fields set.
// It prioritizes Dockerfile but uses DockerfilePath if it is empty.
// In addition, it sets dockerfileHash
func (j *Job) parseDockerfile() error {
	j.dockerfileString = j.Dockerfile
	if j.dockerfileString == "" {
		file, err := os.ReadFile(j.DockerfilePath)
		if err != nil {
			return err
		}
		j.dockerfileString = string(file)
	}
	j.dockerfileHash = digest.FromString(j.dockerfileString).Encoded()
	return nil
}

// imageTag returns the name with the tag of the docker image which builds the
// passed revision
func (j *Job) imageTag(revision string) string {
	return fmt.Sprintf("frugisect-%s:%s", revision, j.dockerfileHash)
}
