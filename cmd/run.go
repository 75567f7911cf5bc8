package cmd

import (
	"fmt"

	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run job.yml",
	Short: "Bisect interactively, prompting for a verdict after every probe",
	Long: `Bisect interactively, prompting for a verdict after every probe.

Each round frugisect picks the candidate with the lowest expected total
remaining rebuild cost, builds it, and asks whether the built revision is good
or bad. Revisions whose build fails are skipped automatically. The loop ends
when the first bad revision is isolated.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := loadJob(args[0])

		driver, err := job.Driver()
		if err != nil {
			logrus.Fatalf("Failed to assemble the bisection driver - %v", err)
		}
		defer driver.Close()

		culprit, err := driver.Bisect(promptVerdict)
		if err != nil {
			logrus.Fatalf("Bisection failed - %v", err)
		}

		fmt.Printf("\nBisection done! First bad revision: %s\n", culprit.Revision)
		if culprit.Details.Message != "" {
			fmt.Printf("Commit message: %q\n", firstLine(culprit.Details.Message))
			fmt.Printf("Author:         %s (%s)\n", culprit.Details.Author, culprit.Details.Date)
		}
		fmt.Printf("Paid %d rebuilds across %d probes.\n", culprit.CostSpent, culprit.Probes)
	},
}

// promptVerdict shows the probe and asks the user to judge it.
func promptVerdict(probe frugisect.Probe) (frugisect.Verdict, error) {
	fmt.Printf("\nRevision %s is built and ready at %s\n", shortHash(probe.Revision), probe.Location)
	if probe.Details.Message != "" {
		fmt.Printf("  %s\n", firstLine(probe.Details.Message))
	}
	fmt.Printf("  cost %d, %d candidates left, expected remaining rebuild cost %.1f\n",
		probe.Cost, probe.Candidates, probe.Expected)

	prompt := promptui.Select{
		Label: "Verdict",
		Items: []string{"good", "bad", "skip", "quit"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return 0, err
	}

	switch result {
	case "good":
		return frugisect.VerdictGood, nil
	case "bad":
		return frugisect.VerdictBad, nil
	case "skip":
		return frugisect.VerdictSkip, nil
	}
	return 0, fmt.Errorf("bisection aborted")
}

func init() {
	rootCmd.AddCommand(runCmd)
}
