package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()

	WithStacktrace(logrus.NewEntry(logger), errors.WithMessage(errors.New("boom"), "context")).Error("failed")
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Contains(t, entry.Data, Stacktrace)
	assert.Contains(t, entry.Data, logrus.ErrorKey)

	hook.Reset()
	WithStacktrace(logrus.NewEntry(logger), fmt.Errorf("plain")).Error("failed")
	entry = hook.LastEntry()
	require.NotNil(t, entry)
	assert.NotContains(t, entry.Data, Stacktrace)
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		config Config
		valid  bool
	}{
		"text":          {config: Config{Level: "info", Format: "text"}, valid: true},
		"json":          {config: Config{Level: "debug", Format: "JSON"}, valid: true},
		"bad level":     {config: Config{Level: "loud", Format: "text"}},
		"bad format":    {config: Config{Level: "info", Format: "xml"}},
		"missing level": {config: Config{Format: "text"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
