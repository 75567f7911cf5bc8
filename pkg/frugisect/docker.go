package frugisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/sirupsen/logrus"
)

// ImageOracle prices revisions for docker jobs: a revision whose image
// already exists costs nothing to reuse, any other costs one image build.
type ImageOracle struct {
	tag func(revision string) string

	cli *client.Client
	log *logrus.Entry
}

// NewImageOracle creates an oracle pricing revisions by the existence of the
// image named by tag.
func NewImageOracle(tag func(revision string) string, log *logrus.Logger) (*ImageOracle, error) {
	if log == nil {
		log = mutedLogger()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	return &ImageOracle{
		tag: tag,
		cli: cli,
		log: log.WithField("oracle", "image"),
	}, nil
}

func (o *ImageOracle) Measure(revision string) (Measurement, error) {
	tag := o.tag(revision)
	exists, err := imageExists(o.cli, tag)
	if err != nil {
		return Measurement{}, err
	}

	cost := 1
	if exists {
		cost = 0
	}
	o.log.Debugf("Revision %s prices at %d (image %s)", revision, cost, tag)
	return Measurement{Cost: cost, Artifacts: []string{tag}}, nil
}

// Recount re-prices a stored tag list against the images present right now.
func (o *ImageOracle) Recount(artifacts []string) int {
	cost := 0
	for _, tag := range artifacts {
		exists, err := imageExists(o.cli, tag)
		if err != nil {
			o.log.Warnf("Couldn't check for image %s, counting it as unbuilt: %v", tag, err)
		}
		if !exists {
			cost++
		}
	}
	return cost
}

func (o *ImageOracle) Close() error { return o.cli.Close() }

// imageExists reports whether an image with the exact tag is present.
func imageExists(cli *client.Client, tag string) (bool, error) {
	images, err := cli.ImageList(context.Background(), image.ListOptions{
		Filters: filters.NewArgs(filters.KeyValuePair{Key: "reference", Value: tag}),
	})
	if err != nil {
		return false, errors.Join(fmt.Errorf("failed to list docker images"), err)
	}
	return len(images) > 0, nil
}

// DockerRunner builds a per-revision tagged image from the checked out
// working tree, so docker's layer cache amortizes repeated builds of nearby
// revisions.
type DockerRunner struct {
	workspace  *Workspace
	dockerfile string
	tag        func(revision string) string

	cli *client.Client
	log *logrus.Entry
}

func NewDockerRunner(workspace *Workspace, dockerfile string, tag func(revision string) string, log *logrus.Logger) (*DockerRunner, error) {
	if log == nil {
		log = mutedLogger()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	return &DockerRunner{
		workspace:  workspace,
		dockerfile: dockerfile,
		tag:        tag,
		cli:        cli,
		log:        log.WithField("runner", "docker"),
	}, nil
}

func (r *DockerRunner) Run(revision string) (string, error) {
	imageName := r.tag(revision)

	exists, err := imageExists(r.cli, imageName)
	if err != nil {
		return "", err
	}
	if exists {
		r.log.Infof("Image %s of revision %s already built, reusing image", imageName, revision)
		return imageName, nil
	}

	if err := r.workspace.Checkout(revision); err != nil {
		return "", &BuildFailureError{Revision: revision, Command: []string{"docker", "build", "-t", imageName}, Err: err}
	}

	r.log.Infof("Building image %s of revision %s", imageName, revision)
	// TODO: Preserve a Dockerfile already present in the tree instead of overwriting it
	if err := os.WriteFile(path.Join(r.workspace.Path, "Dockerfile"), []byte(r.dockerfile), 0o644); err != nil {
		return "", err
	}
	buildCtx, err := archive.TarWithOptions(r.workspace.Path, &archive.TarOptions{})
	if err != nil {
		return "", errors.Join(fmt.Errorf("tar creation of build context for revision %s failed", revision), err)
	}
	buildRes, err := r.cli.ImageBuild(context.Background(), buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		ForceRemove: true,
		Labels:      map[string]string{"frugisect": "1"},
	})
	if err != nil {
		return "", errors.Join(fmt.Errorf("image build of %s for revision %s failed", imageName, revision), err)
	}

	// Wait for the build to be done
	out, err := io.ReadAll(buildRes.Body)
	buildRes.Body.Close()
	if err != nil {
		return "", err
	}
	r.log.Tracef("Image build output:\n%s", out)

	// The last stream message being an error-detail means the build failed
	if len(out) > 0 {
		lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
		if strings.HasPrefix(lines[len(lines)-1], `{"errorDetail"`) {
			return "", &BuildFailureError{
				Revision: revision,
				Command:  []string{"docker", "build", "-t", imageName},
				Output:   string(out),
				Err:      errors.New("docker build reported an error detail"),
			}
		}
	}

	return imageName, nil
}

func (r *DockerRunner) Close() error { return r.cli.Close() }
