package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/model"
)

func TestRenderCommand(t *testing.T) {
	tests := map[string]struct {
		command    string
		parameters map[string]string
		expected   string
		err        bool
	}{
		"no parameters": {
			command:  "echo hello",
			expected: "echo hello",
		},
		"parameters": {
			command:    "simulate --steps {{.steps}} --out {{.out}}",
			parameters: map[string]string{"steps": "10", "out": "result.h5"},
			expected:   "simulate --steps 10 --out result.h5",
		},
		"missing parameter": {
			command: "simulate --steps {{.steps}}",
			err:     true,
		},
		"invalid template": {
			command: "simulate {{.steps",
			err:     true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rendered, err := RenderCommand(tc.command, tc.parameters)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, rendered)
		})
	}
}

func TestShellExecutor(t *testing.T) {
	tests := map[string]struct {
		command    string
		returnCode int
		output     string
	}{
		"success": {
			command: `echo "job $BALSAM_JOB_ID says {{.greeting}}"`,
			output:  "job 7 says hi\n",
		},
		"failure": {
			command:    "echo failing >&2; exit 3",
			returnCode: 3,
			output:     "failing\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dataDir := t.TempDir()
			job := testJob(7, func(j *model.Job) {
				j.Workdir = "runs/7"
				j.Parameters = map[string]string{"greeting": "hi"}
			})
			rc, err := NewShellExecutor(dataDir).Execute(context.Background(), &model.App{Command: tc.command}, job, []int{0})
			require.NoError(t, err)
			assert.Equal(t, tc.returnCode, rc)

			out, err := os.ReadFile(filepath.Join(dataDir, "runs/7", OutputFile))
			require.NoError(t, err)
			assert.Equal(t, tc.output, string(out))
		})
	}
}

func TestShellExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	rc, err := NewShellExecutor(t.TempDir()).Execute(ctx, &model.App{Command: "sleep 30"}, testJob(1, nil), []int{0})
	require.NoError(t, err)
	assert.NotEqual(t, 0, rc)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellExecutor_BadCommand(t *testing.T) {
	_, err := NewShellExecutor(t.TempDir()).Execute(context.Background(), &model.App{Command: "{{.missing}}"}, testJob(1, nil), []int{0})
	assert.True(t, err != nil && strings.Contains(err.Error(), "rendering"))
}
