//go:build mage

package main

import (
	"fmt"
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const DOCKER_VERSION_CONSTRAINT = ">= 20.10.0"

// Matches the connection used by the tests and config/balsam/config.yaml.
var dependencies = []struct {
	name string
	args []string
}{
	{"postgres", []string{"-p", "5432:5432", "-e", "POSTGRES_PASSWORD=psw", "postgres:14.2"}},
	{"redis", []string{"-p", "6379:6379", "redis:6.2.6"}},
}

func dockerBinary() string {
	return binaryWithExt("docker")
}

func dockerOutput(args ...string) (string, error) {
	return sh.Output(dockerBinary(), args...)
}

func dockerRun(args ...string) error {
	return sh.Run(dockerBinary(), args...)
}

func dockerVersion() (*semver.Version, error) {
	output, err := dockerOutput("--version")
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	version, err := semver.NewVersion(strings.Trim(fields[2], ","))
	if err != nil {
		return nil, errors.Errorf("error parsing version: %v", err)
	}
	return version, nil
}

func dockerCheck() error {
	return checkVersion(dockerVersion, DOCKER_VERSION_CONSTRAINT)
}

// Starts the postgres and redis containers used by the tests and local launchers.
func StartDependencies() error {
	if err := dockerCheck(); err != nil {
		return err
	}
	for _, dep := range dependencies {
		args := append([]string{"run", "-d", "--rm", "--name=balsam-" + dep.name}, dep.args...)
		if err := dockerRun(args...); err != nil {
			return errors.Wrapf(err, "error starting %s", dep.name)
		}
	}
	return nil
}

// Stops the containers started by StartDependencies.
func StopDependencies() error {
	for _, dep := range dependencies {
		if err := dockerRun("rm", "-f", "balsam-"+dep.name); err != nil {
			fmt.Printf("error stopping %s: %v\n", dep.name, err)
		}
	}
	return nil
}

func waitForPostgres(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := dockerOutput("exec", "balsam-postgres", "pg_isready", "-U", "postgres"); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("postgres not ready after %s", timeout)
		}
		time.Sleep(time.Second)
	}
}
