package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/argonne-lcf/balsam/internal/model"
)

// Executor runs a single job to completion.
type Executor interface {
	// Execute returns the exit code of the job. ctx is cancelled when the launcher shuts down, in which case
	// the job should be stopped.
	Execute(ctx context.Context, app *model.App, job *model.Job, nodes []int) (int, error)
}

// OutputFile is the file in the job's workdir that receives its stdout and stderr.
const OutputFile = "job.out"

// ShellExecutor runs the app's command with sh -c inside the job's workdir.
// The command is a text/template rendered with the job's parameters, e.g. "simulate --steps {{.steps}}".
type ShellExecutor struct {
	dataDir string
}

func NewShellExecutor(dataDir string) *ShellExecutor {
	return &ShellExecutor{dataDir: dataDir}
}

func (e *ShellExecutor) Execute(ctx context.Context, app *model.App, job *model.Job, nodes []int) (int, error) {
	command, err := RenderCommand(app.Command, job.Parameters)
	if err != nil {
		return -1, err
	}
	workdir := filepath.Join(e.dataDir, job.Workdir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return -1, errors.WithStack(err)
	}
	out, err := os.Create(filepath.Join(workdir, OutputFile))
	if err != nil {
		return -1, errors.WithStack(err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), jobEnv(job, nodes)...)
	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, errors.WithStack(err)
	}
	return 0, nil
}

// RenderCommand fills in the parameters of an app command. Referencing a parameter the job does not set is
// an error.
func RenderCommand(command string, parameters map[string]string) (string, error) {
	tmpl, err := template.New("command").Option("missingkey=error").Parse(command)
	if err != nil {
		return "", errors.Wrap(err, "invalid app command")
	}
	if parameters == nil {
		parameters = map[string]string{}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, parameters); err != nil {
		return "", errors.Wrap(err, "error rendering app command")
	}
	return b.String(), nil
}

func jobEnv(job *model.Job, nodes []int) []string {
	nodeIDs := make([]string, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = strconv.Itoa(n)
	}
	return []string{
		"BALSAM_JOB_ID=" + strconv.FormatInt(job.ID, 10),
		"BALSAM_NODE_IDS=" + strings.Join(nodeIDs, ","),
		"BALSAM_NUM_NODES=" + strconv.Itoa(job.NumNodes),
		"BALSAM_RANKS_PER_NODE=" + strconv.Itoa(job.RanksPerNode),
		"OMP_NUM_THREADS=" + strconv.Itoa(job.ThreadsPerRank),
	}
}
