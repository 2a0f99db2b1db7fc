package dockerapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	archive "github.com/moby/go-archive"
)

// archiveContext tars up a build context directory the way the Docker CLI
// does before streaming it to the daemon over ImageBuild.
func archiveContext(contextPath string) (io.ReadCloser, error) {
	return archive.TarWithOptions(contextPath, &archive.TarOptions{})
}

func buildOptions(dockerfile string, buildArgs map[string]*string, tag string) types.ImageBuildOptions {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	opts := types.ImageBuildOptions{
		Dockerfile: dockerfile,
		BuildArgs:  buildArgs,
		Remove:     true,
	}
	if tag != "" {
		opts.Tags = []string{tag}
	}
	return opts
}

// buildProgressLine is one line of the newline-delimited JSON stream the
// daemon sends back from ImageBuild.
type buildProgressLine struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	Aux         *struct {
		ID string `json:"ID"`
	} `json:"aux"`
	Progress    string `json:"progress"`
	ProgressDetail *struct {
		Current int `json:"current"`
		Total   int `json:"total"`
	} `json:"progressDetail"`
}

// scanBuildProgress reads the daemon's build response body, forwarding each
// line to onProgress and returning the final image ID reported via `aux`.
func scanBuildProgress(body io.Reader, onProgress func(ProgressLine)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var imageID string
	for scanner.Scan() {
		var line buildProgressLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return "", fmt.Errorf("image build failed: %s", line.Error)
		}
		if line.Aux != nil && line.Aux.ID != "" {
			imageID = line.Aux.ID
		}
		if onProgress != nil && (line.Stream != "" || line.ProgressDetail != nil) {
			percent := 0
			if d := line.ProgressDetail; d != nil && d.Total > 0 {
				percent = d.Current * 100 / d.Total
			}
			onProgress(ProgressLine{Percent: percent, Message: line.Stream})
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if imageID == "" {
		return "", fmt.Errorf("image build did not report an image ID")
	}
	return imageID, nil
}
