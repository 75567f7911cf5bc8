package cmd

import (
	"fmt"

	"github.com/frugisect/frugisect/internal/server"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve job.yml",
	Short: "Serve probes over HTTP and collect verdicts from clients",
	Long: `Serve probes over HTTP and collect verdicts from clients.

Calling this command results in a RESTful HTTP server being created, with
whose API the issue can be bisected. GET /probe returns the next revision to
test (building it first if needed), or the culprit once the range is
exhausted. POST /good/:probeId, /bad/:probeId or /skip/:probeId answer the
outstanding probe and advance the bisection.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := loadJob(args[0])

		driver, err := job.Driver()
		if err != nil {
			logrus.Fatalf("Failed to assemble the bisection driver - %v", err)
		}
		defer driver.Close()

		port := servePort
		if port == 0 {
			port, err = freeport.GetFreePort()
			if err != nil {
				logrus.Fatalf("Failed to find a free port - %v", err)
			}
		}

		if _, err := server.NewServer(server.HTTP, port, driver); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}
		fmt.Printf("Serving bisection on localhost:%d\n", port)

		// The server runs in its own goroutine forever
		select {}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 40032, "The port on which to start the server. 0 picks a free one.")
}
