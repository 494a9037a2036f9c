//go:build mage

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/pkg/errors"
)

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"go", goCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports"} {
		os.RemoveAll(path)
	}
}

// Builds the balsam binary into ./bin.
func Build() error {
	mg.Deps(goCheck)
	timeTaken := time.Now()
	if err := goRun("build", "-o", "bin/"+binaryWithExt("balsam"), "./cmd/balsam"); err != nil {
		return err
	}
	fmt.Println("Time to build balsam:", time.Since(timeTaken))
	return nil
}

// Starts postgres and redis, migrates the job pool database and runs all tests against them.
func Tests() error {
	mg.Deps(gotestsum, StartDependencies)
	defer StopDependencies()
	if err := waitForPostgres(30 * time.Second); err != nil {
		return err
	}
	return runTests("coverage.out", "tests.txt", "./...")
}

// Runs the tests without starting any dependencies. Tests that need postgres are skipped.
func TestsNoDb() error {
	mg.Deps(gotestsum)
	return runTests("", "tests_nodb.txt", "./...")
}
