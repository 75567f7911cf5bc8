package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var pickCheckout bool
var pickAll bool
var pickJSON bool

var pickCmd = &cobra.Command{
	Use:     "pick job.yml",
	Aliases: []string{"next"},
	Short:   "Rank the candidates of the current bisect range by expected rebuild cost",
	Long: `Rank the candidates of the current bisect range by expected rebuild cost.

This command prices every candidate of the repository's ongoing git bisect
session through the build command's dry run and prints which revision to test
next, together with how the alternatives compare. It records no verdicts and
builds nothing for real, so it composes with bisecting by hand: run it, test
the suggested revision, tell git bisect the verdict, run it again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := loadJob(args[0])

		pick, err := job.Pick()
		if err != nil {
			logrus.Fatalf("Failed to rank candidates - %v", err)
		}

		if len(pick.Candidates) == 0 {
			fmt.Printf("Bisection done: first bad revision is %s\n", pick.Bad)
			return
		}

		if pickJSON {
			printPickJSON(pick)
		} else {
			printPickTable(pick)
		}

		if pickCheckout {
			best := pick.Candidates[0].Revision
			if err := job.CheckoutRevision(best); err != nil {
				logrus.Fatalf("Failed to check out %s - %v", best, err)
			}
			fmt.Printf("Checked out %s\n", shortHash(best))
		}
	},
}

func printPickTable(pick *frugisect.Pick) {
	rows := pick.Candidates
	if !pickAll && len(rows) > 5 {
		rows = rows[:5]
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Revision", "Expected", "Cost", "Commits >", "Rebuilds >", "Commits <", "Rebuilds <"})
	for _, c := range rows {
		table.Append([]string{
			shortHash(c.Revision),
			fmt.Sprintf("%.1f", c.Expected),
			strconv.Itoa(c.Cost),
			strconv.Itoa(c.CommitsIfGood),
			strconv.Itoa(c.RebuildsIfGood),
			strconv.Itoa(c.CommitsIfBad),
			strconv.Itoa(c.RebuildsIfBad),
		})
	}
	table.Render()

	fmt.Printf("Best next probe: %s (expected total remaining rebuild cost %.1f)\n",
		shortHash(pick.Candidates[0].Revision), pick.Expected)
}

func printPickJSON(pick *frugisect.Pick) {
	type row struct {
		Revision string  `json:"revision"`
		Expected float64 `json:"expected"`
		Cost     int     `json:"cost"`

		CommitsIfGood  int `json:"commitsIfGood"`
		RebuildsIfGood int `json:"rebuildsIfGood"`
		CommitsIfBad   int `json:"commitsIfBad"`
		RebuildsIfBad  int `json:"rebuildsIfBad"`
	}

	rows := make([]row, len(pick.Candidates))
	for i, c := range pick.Candidates {
		rows[i] = row{
			Revision: c.Revision,
			Expected: c.Expected,
			Cost:     c.Cost,

			CommitsIfGood:  c.CommitsIfGood,
			RebuildsIfGood: c.RebuildsIfGood,
			CommitsIfBad:   c.CommitsIfBad,
			RebuildsIfBad:  c.RebuildsIfBad,
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(map[string]any{
		"bad":        pick.Bad,
		"expected":   pick.Expected,
		"candidates": rows,
	}); err != nil {
		logrus.Fatalf("Failed to encode candidates - %v", err)
	}
}

func init() {
	rootCmd.AddCommand(pickCmd)

	pickCmd.Flags().BoolVarP(&pickCheckout, "checkout", "c", false, "Check the best candidate out in the repository.")
	pickCmd.Flags().BoolVarP(&pickAll, "all", "a", false, "Print every candidate instead of the top five.")
	pickCmd.Flags().BoolVar(&pickJSON, "json", false, "Print candidates as JSON for scripting.")
}
