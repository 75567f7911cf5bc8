package frugisect

import (
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// A Runner performs the real build of a chosen revision, as opposed to the
// dry runs the cost oracle does.
type Runner interface {
	// Run materializes and builds the revision, returning where the result
	// can be exercised: a working tree path or a docker image tag.
	Run(revision string) (location string, err error)
}

// CommandRunner builds revisions by running the build command, without its
// dry-run flag, in a workspace.
type CommandRunner struct {
	command   []string
	workspace *Workspace

	log *logrus.Entry
}

func NewCommandRunner(command []string, workspace *Workspace, log *logrus.Logger) *CommandRunner {
	if log == nil {
		log = mutedLogger()
	}
	return &CommandRunner{
		command:   command,
		workspace: workspace,
		log:       log.WithField("command", strings.Join(command, " ")),
	}
}

func (r *CommandRunner) Run(revision string) (string, error) {
	if err := r.workspace.Checkout(revision); err != nil {
		return "", &BuildFailureError{Revision: revision, Command: r.command, Err: err}
	}

	r.log.Infof("Building revision %s", revision)
	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = r.workspace.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &BuildFailureError{
			Revision: revision,
			Command:  r.command,
			Output:   string(out),
			Err:      err,
		}
	}
	return r.workspace.Path, nil
}

// A Probe is one revision picked, built and ready to be tested by the caller.
type Probe struct {
	Revision string
	Details  CommitDetails

	Cost       int     // The rebuild cost this probe was priced at
	Expected   float64 // Expected total remaining rebuild cost, this probe included
	Candidates int     // Size of the candidate range this probe splits

	// Location is where the built revision can be exercised: the working
	// tree path for command builds, the image tag for docker builds. Empty
	// when the driver runs without a runner.
	Location string
}

// A Culprit is the outcome of a finished bisection: the oldest revision
// exhibiting the fault.
type Culprit struct {
	Revision string
	Details  CommitDetails

	Probes    int // How many revisions were built and handed out for testing
	CostSpent int // Total rebuild cost paid across those probes
}

// A VerdictFunc tests one probe and passes verdict on it. Returning an error
// aborts the bisection.
type VerdictFunc func(probe Probe) (Verdict, error)

// Driver runs the bisection loop: price the candidates, pick the revision
// with the lowest expected total remaining cost, build it, collect the
// verdict, narrow the range, repeat until the culprit is isolated.
type Driver struct {
	// Retries is how often a failing measurement pass is retried with
	// exponential backoff before the driver gives up. Build failures are
	// never retried; the failing revision gets skipped instead.
	Retries uint64

	state  BisectState
	cache  *CostCache
	runner Runner

	details func(revision string) (CommitDetails, error)

	probes    int
	costSpent int

	closers []io.Closer

	log *logrus.Logger
}

// NewDriver wires a driver from its collaborators. runner may be nil, in
// which case probes are picked and priced but never built. A state that also
// provides commit details, like [GitState], gets them attached to probes and
// to the culprit.
func NewDriver(state BisectState, cache *CostCache, runner Runner, log *logrus.Logger) *Driver {
	if log == nil {
		log = mutedLogger()
	}
	d := &Driver{
		state:  state,
		cache:  cache,
		runner: runner,
		log:    log,
	}

	type detailer interface {
		Details(revision string) (CommitDetails, error)
	}
	if det, ok := state.(detailer); ok {
		d.details = det.Details
	}
	return d
}

// Next advances the bisection to the point where the caller has something to
// do: either a probe that needs testing, or the culprit if the range is
// exhausted. Revisions whose build fails are skipped and never surface.
func (d *Driver) Next() (*Probe, *Culprit, error) {
	for {
		candidates, bad, err := d.state.CurrentRange()
		if err != nil {
			return nil, nil, err
		}
		if len(candidates) == 0 {
			culprit := &Culprit{Revision: bad, Probes: d.probes, CostSpent: d.costSpent}
			d.attachDetails(&culprit.Details, bad)
			d.log.Infof("Bisection done: first bad revision is %s, found with %d probes costing %d rebuilds", bad, d.probes, d.costSpent)
			return nil, culprit, nil
		}

		costs, err := d.measure(candidates)
		if err != nil {
			var buildErr *BuildFailureError
			if errors.As(err, &buildErr) {
				d.log.Warnf("Measuring cost of %s failed, skipping it from now on: %v", buildErr.Revision, err)
				if err := d.state.RecordVerdict(buildErr.Revision, VerdictSkip); err != nil {
					return nil, nil, err
				}
				continue
			}
			return nil, nil, err
		}

		pick, err := ChooseNext(costs)
		if err != nil {
			return nil, nil, err
		}
		probe := &Probe{
			Revision:   pick,
			Candidates: len(candidates),
			Expected:   ExpectedRemaining(costs),
		}
		for _, c := range costs {
			if c.Revision == pick {
				probe.Cost = c.Cost
				break
			}
		}
		d.attachDetails(&probe.Details, pick)

		if d.runner != nil {
			location, err := d.runner.Run(pick)
			if err != nil {
				var buildErr *BuildFailureError
				if errors.As(err, &buildErr) {
					d.log.Warnf("Building %s failed, skipping it from now on: %v", pick, err)
					if err := d.state.RecordVerdict(pick, VerdictSkip); err != nil {
						return nil, nil, err
					}
					continue
				}
				return nil, nil, err
			}
			probe.Location = location
		}

		d.probes++
		d.costSpent += probe.Cost
		d.log.Infof("Probing %s: cost %d, %d candidates left, expected remaining cost %.1f", probe.Revision, probe.Cost, probe.Candidates, probe.Expected)
		return probe, nil, nil
	}
}

// Report records the verdict for a probed revision.
func (d *Driver) Report(revision string, verdict Verdict) error {
	return d.state.RecordVerdict(revision, verdict)
}

// Bisect drives the loop to completion, asking the verdict func about every
// probe.
func (d *Driver) Bisect(verdicts VerdictFunc) (*Culprit, error) {
	for {
		probe, culprit, err := d.Next()
		if err != nil {
			return nil, err
		}
		if culprit != nil {
			return culprit, nil
		}

		verdict, err := verdicts(*probe)
		if err != nil {
			return nil, err
		}
		if err := d.Report(probe.Revision, verdict); err != nil {
			return nil, err
		}
	}
}

// Close releases the resources the driver was assembled with.
func (d *Driver) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// measure prices all candidates, first filling cache misses, then deriving
// each revision's effective cost as of now. Transient failures are retried
// per d.Retries; build failures come back immediately so the revision can be
// skipped.
func (d *Driver) measure(candidates []string) ([]RevisionCost, error) {
	ensure := func() error {
		if _, err := d.cache.GetOrComputeMany(candidates); err != nil {
			var buildErr *BuildFailureError
			if errors.As(err, &buildErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if d.Retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.Retries)
	}
	if err := backoff.Retry(ensure, policy); err != nil {
		return nil, err
	}

	costs := make([]RevisionCost, len(candidates))
	for i, revision := range candidates {
		cost, err := d.cache.EffectiveCost(revision)
		if err != nil {
			return nil, err
		}
		costs[i] = RevisionCost{Revision: revision, Cost: cost}
	}
	return costs, nil
}

// attachDetails fills in commit details when a source for them exists.
// Failing to get them only costs report detail, so it is not an error.
func (d *Driver) attachDetails(details *CommitDetails, revision string) {
	details.Hash = revision
	if d.details == nil {
		return
	}
	got, err := d.details(revision)
	if err != nil {
		d.log.Debugf("No details for %s: %v", revision, err)
		return
	}
	*details = got
}
