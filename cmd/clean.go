package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanCacheOnly bool
var cleanAgree bool

var cleanCmd = &cobra.Command{
	Use:     "clean [job.yml]",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean the cost store and all docker images created by frugisect",
	Long: `This command cleans all artifacts left behind by frugisect.
This includes the on-disk cost store as well as all docker images built.

When a job config is given, its cachePath is cleaned instead of the
per-user default store.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		storePath := frugisect.DefaultStorePath()
		if len(args) == 1 {
			job := loadJob(args[0])
			if job.CachePath != "" {
				storePath = job.CachePath
			}
		}

		storeExists := true
		if _, err := os.Stat(storePath); err != nil {
			storeExists = false
		}

		var cli *client.Client
		var images []image.Summary
		if !cleanCacheOnly {
			var err error
			cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err == nil {
				defer cli.Close()
				images, err = cli.ImageList(context.Background(), image.ListOptions{
					All: true,
					Filters: filters.NewArgs(
						filters.KeyValuePair{
							Key:   "label",
							Value: "frugisect=1",
						},
					),
				})
			}
			if err != nil {
				logrus.Warnf("Couldn't list docker images, cleaning the cost store only - %v", err)
				images = nil
			}
		}

		if !storeExists && len(images) == 0 {
			logrus.Info("No cost store or images to remove. Exiting...")
			return
		}

		confirmationMessage := fmt.Sprintf("About to delete %d images", len(images))
		if storeExists {
			confirmationMessage += fmt.Sprintf(" and the cost store at %s", storePath)
		}
		confirmationMessage += "."
		logrus.Info(confirmationMessage)

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanAgree {
			_, err := prompt.Run()
			if err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		if storeExists {
			logrus.Infof("Deleting cost store %s", storePath)
			if err := os.Remove(storePath); err != nil {
				logrus.Fatalf("Failed to remove cost store at %s - %v", storePath, err)
			}
		}

		for _, i := range images {
			name := i.ID
			if len(i.RepoTags) > 0 {
				name = i.RepoTags[0]
			}
			logrus.Infof("Deleting image %s (ID: %s)", name, i.ID)
			if _, err := cli.ImageRemove(context.Background(), i.ID, image.RemoveOptions{
				PruneChildren: true,
				Force:         true,
			}); err != nil {
				logrus.Fatalf("Failed to remove image with ID %s - %v", i.ID, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVarP(&cleanCacheOnly, "cache-only", "c", false, "Only delete the cost store, no docker images.")
	cleanCmd.Flags().BoolVarP(&cleanAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
