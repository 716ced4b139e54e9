//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName = "../bin/livechat"
	mainPkg    = "../cmd/server"
)

var goEnv = map[string]string{"CGO_ENABLED": "1"}

// Build compiles the server binary.
func Build() error {
	fmt.Println("🔨 Building server binary...")
	return sh.RunWithV(goEnv, "go", "build", "-o", binaryName, mainPkg)
}

// Test runs the unit tests with the race detector.
func Test() error {
	fmt.Println("🧪 Running tests...")
	return sh.RunWithV(goEnv, "go", "test", "-race", "-count=1", "../...")
}

// Lint runs go vet and reports unformatted files.
func Lint() error {
	fmt.Println("🔍 Linting...")
	if err := sh.RunV("go", "vet", "../..."); err != nil {
		return err
	}
	out, err := sh.Output("gofmt", "-l", "../cmd", "../internal")
	if err != nil {
		return err
	}
	if out != "" {
		return fmt.Errorf("unformatted files:\n%s", out)
	}
	return nil
}

// Check runs lint and tests.
func Check() {
	mg.SerialDeps(Lint, Test)
}

// Run starts the server against the in-memory store.
func Run() error {
	mg.Deps(Build)
	return sh.RunWithV(map[string]string{"DATABASE_DRIVER": "memory"}, binaryName)
}

func Clean() {
	fmt.Println("🧹 Cleaning up...")
	os.Remove(binaryName)
}
