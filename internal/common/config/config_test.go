package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/model"
)

type testSection struct {
	Period     time.Duration `validate:"required"`
	SerialMode model.SerialMode
	Order      model.CandidateOrder
	States     []model.JobState
	Addrs      []string
}

type testConfig struct {
	Name    string `validate:"required"`
	Section testSection
}

const baseConfig = `
name: base
section:
  period: 30s
  serialMode: single-rank
  order: largest-first
  states: [PREPROCESSED, RESTART_READY]
  addrs: [localhost:6379]
`

func writeConfig(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", baseConfig)

	var config testConfig
	_, err := LoadConfig(&config, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, testConfig{
		Name: "base",
		Section: testSection{
			Period:     30 * time.Second,
			SerialMode: model.SerialBySingleRank,
			Order:      model.OrderLargestFirst,
			States:     []model.JobState{model.Preprocessed, model.RestartReady},
			Addrs:      []string{"localhost:6379"},
		},
	}, config)
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", baseConfig)
	override := writeConfig(t, dir, "override.yaml", "section:\n  period: 1m\n")
	t.Setenv("BALSAM_NAME", "from-env")

	var config testConfig
	_, err := LoadConfig(&config, dir, []string{override})
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Name)
	assert.Equal(t, time.Minute, config.Section.Period)
	assert.Equal(t, model.SerialBySingleRank, config.Section.SerialMode)
}

func TestLoadConfig_InvalidEnum(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "name: x\nsection:\n  serialMode: threads\n")

	var config testConfig
	_, err := LoadConfig(&config, dir, nil)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	var config testConfig
	_, err := LoadConfig(&config, t.TempDir(), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	err := Validate(testConfig{})
	require.Error(t, err)
	LogValidationErrors(err)

	assert.NoError(t, Validate(testConfig{Name: "x", Section: testSection{Period: time.Second}}))
}

func TestRedisConfig_AsUniversalOptions(t *testing.T) {
	opts := RedisConfig{
		Addrs:           []string{"redis:6379"},
		MinRetryBackoff: time.Millisecond,
		MaxRetryBackoff: time.Second,
		PoolSize:        10,
	}.AsUniversalOptions()
	assert.Equal(t, []string{"redis:6379"}, opts.Addrs)
	assert.Equal(t, time.Millisecond, opts.MinRetryBackoff)
	assert.Equal(t, time.Second, opts.MaxRetryBackoff)
	assert.Equal(t, 10, opts.PoolSize)
}
