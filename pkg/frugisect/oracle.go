package frugisect

import (
	"errors"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Artifact check modes. They decide which of the artifacts reported by a dry
// run still count toward the rebuild cost.
const (
	ArtifactCheckNone = "none" // every reported artifact counts
	ArtifactCheckPath = "path" // artifacts whose path already exists don't count
	ArtifactCheckDrv  = "drv"  // nix derivations with an existing output path don't count
)

// defaultArtifactPattern matches nix derivation store paths, the artifact kind
// nix-build enumerates in its dry-run output.
var defaultArtifactPattern = regexp.MustCompile(`/nix/store/[^/ ]*\.drv`)

// A Measurement is the result of one cost measurement at one revision.
type Measurement struct {
	// Cost is the number of artifacts that would have to be built from
	// scratch. Zero is valid and means the revision is fully cached upstream.
	Cost int

	// Artifacts is the full, deduplicated list of artifacts the build command
	// planned, before the artifact check was applied.
	Artifacts []string
}

// A CostOracle measures how many build artifacts a command would need to
// construct from scratch at a given revision. Measuring may be slow, which is
// why results go through the [CostCache].
type CostOracle interface {
	Measure(revision string) (Measurement, error)
}

// A Recounter is a CostOracle that can re-derive the current cost from a
// previously measured artifact list. Building the pivot for real changes which
// artifacts exist, so recounting lets cached measurements stay useful within a
// session without ever rewriting them.
type Recounter interface {
	Recount(artifacts []string) int
}

// DryRunOracle measures cost by checking out the revision and running the
// build command with its dry-run flag, then scraping planned artifacts from
// the combined output.
type DryRunOracle struct {
	Command    []string // The build command argv, without the dry-run flag
	DryRunFlag string   // Appended to Command; empty means Command already is a dry run

	ArtifactPattern *regexp.Regexp // How to recognize planned artifacts in the output
	ArtifactCheck   string         // One of the ArtifactCheck constants

	workspace *Workspace
	log       *logrus.Entry
}

// NewDryRunOracle creates an oracle for the given build command. The command
// runs inside the workspace, or in the current directory if workspace is nil
// (in which case revisions are not checked out and the caller is responsible
// for the tree's state).
func NewDryRunOracle(command []string, workspace *Workspace, log *logrus.Logger) (*DryRunOracle, error) {
	if len(command) == 0 {
		return nil, errors.New("no build command given")
	}
	if log == nil {
		log = mutedLogger()
	}
	return &DryRunOracle{
		Command:         command,
		DryRunFlag:      "--dry-run",
		ArtifactPattern: defaultArtifactPattern,
		ArtifactCheck:   ArtifactCheckDrv,

		workspace: workspace,
		log:       log.WithField("command", strings.Join(command, " ")),
	}, nil
}

func (o *DryRunOracle) Measure(revision string) (Measurement, error) {
	if o.workspace != nil {
		if err := o.workspace.Checkout(revision); err != nil {
			return Measurement{}, &BuildFailureError{Revision: revision, Command: o.Command, Err: err}
		}
	}

	args := append([]string{}, o.Command...)
	if o.DryRunFlag != "" {
		args = append(args, o.DryRunFlag)
	}

	o.log.Infof("Dry-running build at revision %s", revision)
	cmd := exec.Command(args[0], args[1:]...)
	if o.workspace != nil {
		cmd.Dir = o.workspace.Path
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Measurement{}, &BuildFailureError{
			Revision: revision,
			Command:  args,
			Output:   string(out),
			Err:      err,
		}
	}

	artifacts := dedupeSorted(o.ArtifactPattern.FindAllString(string(out), -1))
	cost := o.Recount(artifacts)
	o.log.Infof("Revision %s needs %d of %d planned artifacts built", revision, cost, len(artifacts))

	return Measurement{Cost: cost, Artifacts: artifacts}, nil
}

// Recount returns how many of the artifacts still need building under the
// oracle's artifact check.
func (o *DryRunOracle) Recount(artifacts []string) int {
	cost := 0
	for _, artifact := range artifacts {
		if artifactNeedsBuild(artifact, o.ArtifactCheck) {
			cost++
		}
	}
	return cost
}

func artifactNeedsBuild(artifact, check string) bool {
	switch check {
	case ArtifactCheckPath:
		_, err := os.Stat(artifact)
		return err != nil
	case ArtifactCheckDrv:
		return !drvOutputsBuilt(artifact)
	default:
		return true
	}
}

// drvOutputsBuilt reports whether any output path of the derivation file
// already exists in the store, meaning the derivation was built before. An
// unreadable or malformed derivation counts as unbuilt.
func drvOutputsBuilt(drvPath string) bool {
	data, err := os.ReadFile(drvPath)
	if err != nil {
		return false
	}

	// The output list is the first bracketed block of the ATerm, holding
	// tuples of (name, path, hashAlgo, hash). Output paths are the only
	// strings in it under /nix/store.
	txt := string(data)
	start := strings.Index(txt, "[")
	if start == -1 {
		return false
	}
	end := strings.Index(txt[start:], "]")
	if end == -1 {
		return false
	}

	for _, out := range quotedStrings(txt[start : start+end+1]) {
		if !strings.HasPrefix(out, "/nix/store/") {
			continue
		}
		if _, err := os.Stat(out); err == nil {
			return true
		}
	}
	return false
}

// quotedStrings extracts the contents of all double-quoted substrings,
// honoring backslash escapes.
func quotedStrings(s string) []string {
	var res []string
	var cur strings.Builder
	inString, escaped := false, false
	for _, r := range s {
		switch {
		case !inString:
			if r == '"' {
				inString = true
				cur.Reset()
			}
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inString = false
			res = append(res, cur.String())
		default:
			cur.WriteRune(r)
		}
	}
	return res
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// OracleFunc adapts a plain function to the CostOracle interface.
type OracleFunc func(revision string) (Measurement, error)

func (f OracleFunc) Measure(revision string) (Measurement, error) { return f(revision) }
