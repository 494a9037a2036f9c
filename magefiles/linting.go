//go:build mage

package main

import (
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const GOLANGCI_LINT_VERSION_CONSTRAINT = ">= 1.52.0"

func golangciLintVersion() (*semver.Version, error) {
	output, err := sh.Output(binaryWithExt("golangci-lint"), "--version")
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 4 {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	return semver.NewVersion(strings.TrimPrefix(fields[3], "v"))
}

func golangciLintCheck() error {
	return checkVersion(golangciLintVersion, GOLANGCI_LINT_VERSION_CONSTRAINT)
}

// Runs golangci-lint over the module.
func Lint() error {
	mg.Deps(golangciLintCheck)
	return sh.RunV(binaryWithExt("golangci-lint"), "run", "--timeout", "10m")
}
