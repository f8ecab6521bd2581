package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandAdapter implements Generator by running a local generator program.
//
// Arguments may contain {prompt}, {width}, {height}, {steps} and {output}
// placeholders. When {output} is used the program must write the image to that
// path; otherwise the image is read from its stdout.
type CommandAdapter struct {
	command      string
	args         []string
	workDir      string
	maxDimension int
	procMgr      *ProcessManager
}

// NewCommandAdapter creates a command backend adapter.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, errors.New("command backend requires a command")
	}

	return &CommandAdapter{
		command:      cfg.Command,
		args:         append([]string(nil), cfg.Args...),
		workDir:      cfg.WorkDir,
		maxDimension: cfg.MaxDimension,
		procMgr:      procMgr,
	}, nil
}

// Name returns "command".
func (a *CommandAdapter) Name() string { return "command" }

// Generate runs the generator program once and returns its image as PNG.
func (a *CommandAdapter) Generate(ctx context.Context, req Request) (Image, error) {
	outFile, err := os.CreateTemp("", "dreammaker-*.img")
	if err != nil {
		return Image{}, fmt.Errorf("failed to create output file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args, usesOutput := a.buildArgs(req, outPath)

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	log.WithFields(log.Fields{"command": a.command, "width": req.Width, "height": req.Height}).Debug("running generator command")

	stdout, err := runGenerator(ctx, cmd, a.procMgr)
	if err != nil {
		return Image{}, fmt.Errorf("generator command failed: %w", err)
	}

	data := stdout
	if usesOutput {
		data, err = os.ReadFile(outPath)
		if err != nil {
			return Image{}, fmt.Errorf("failed to read generator output: %w", err)
		}
	}
	if len(data) == 0 {
		return Image{}, errors.New("generator produced no image data")
	}

	return toPNG(data)
}

// buildArgs substitutes placeholders and reports whether {output} was used.
func (a *CommandAdapter) buildArgs(req Request, outPath string) ([]string, bool) {
	r := strings.NewReplacer(
		"{prompt}", req.Prompt,
		"{width}", strconv.Itoa(clamp(req.Width, a.maxDimension)),
		"{height}", strconv.Itoa(clamp(req.Height, a.maxDimension)),
		"{steps}", strconv.Itoa(req.Steps),
		"{output}", outPath,
	)

	usesOutput := false
	args := make([]string, len(a.args))
	for i, arg := range a.args {
		if strings.Contains(arg, "{output}") {
			usesOutput = true
		}
		args[i] = r.Replace(arg)
	}
	return args, usesOutput
}
