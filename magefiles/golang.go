//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const GO_VERSION_CONSTRAINT = ">= 1.21.0"

var (
	LocalBin  = filepath.Join(os.Getenv("PWD"), "bin")
	Gotestsum string
)

func binaryWithExt(name string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("%s.exe", name)
	}
	return name
}

func goRun(args ...string) error {
	return sh.RunV("go", args...)
}

func goVersion() (*semver.Version, error) {
	output, err := sh.Output("go", "version")
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	version, err := semver.NewVersion(strings.TrimPrefix(fields[2], "go"))
	if err != nil {
		return nil, errors.Errorf("error parsing version: %v", err)
	}
	return version, nil
}

func goCheck() error {
	return checkVersion(goVersion, GO_VERSION_CONSTRAINT)
}

func checkVersion(version func() (*semver.Version, error), constraintString string) error {
	v, err := version()
	if err != nil {
		return errors.Errorf("error getting version: %v", err)
	}
	constraint, err := semver.NewConstraint(constraintString)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !constraint.Check(v) {
		return errors.Errorf("found version %v but it failed constraint %v", v, constraint)
	}
	return nil
}

// Downloads gotestsum into ./bin if necessary.
func gotestsum() error {
	if err := os.MkdirAll(LocalBin, os.ModePerm); err != nil {
		return err
	}
	Gotestsum = filepath.Join(LocalBin, binaryWithExt("gotestsum"))
	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		mg.Deps(goCheck)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

func runTests(coverageFileName, outputFileName string, packages ...string) error {
	args := []string{"--", "-v", "-count=1"}
	if coverageFileName != "" {
		args = append(args, "-coverprofile", filepath.Join("test_reports", coverageFileName))
	}
	args = append(args, packages...)

	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join("test_reports", outputFileName))
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command(Gotestsum, args...)
	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
