package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "frugisect",
	Short: "Cost-aware git bisection that minimizes time spent rebuilding",
	Long: `frugisect helps bisecting regressions in projects where building a revision
dominates the time of testing it. Instead of probing the middle of the range
like git bisect, it prices every candidate by how many build artifacts its
build would have to create from scratch and probes the revision with the
lowest expected total remaining rebuild cost.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity. -v prints progress, -vv debug output, -vvv everything.")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Print nothing but results.")
}

// newLogger builds the logger handed to jobs, honoring the verbosity flags.
func newLogger() *logrus.Logger {
	log := logrus.New()

	formatter := prefixed.TextFormatter{
		DisableTimestamp: true,
	}
	formatter.SetColorScheme(&prefixed.ColorScheme{})
	log.SetFormatter(&formatter)

	if quiet {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

// loadJob reads the job config at path and attaches the CLI logger.
func loadJob(path string) *frugisect.Job {
	file, err := os.Open(path)
	if err != nil {
		logrus.Fatalf("Failed to open job yaml - %v", err)
	}
	defer file.Close()

	job, err := frugisect.GetJobFromConfig(file)
	if err != nil {
		logrus.Fatalf("Failed to read job config from yaml - %v", err)
	}
	job.Log = newLogger()
	return job
}

// shortHash abbreviates a commit hash for table display.
func shortHash(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

// firstLine returns the subject line of a commit message.
func firstLine(message string) string {
	return strings.SplitN(message, "\n", 2)[0]
}
