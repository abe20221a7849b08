// cimcconf is a CIMC configuration broker.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//go:build ignore

/*
cimcctl build automation.

Usage:

	go run build.go                       # validate: vet, test, build
	go run build.go test                  # run tests with the race detector
	go run build.go coverage              # run tests and print total coverage
	go run build.go build                 # build build/cimcctl
	go run build.go -platform linux/arm64 build
	go run build.go build-all             # build every release platform
	go run build.go clean                 # remove build artifacts
*/
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[91m"
	colorGreen = "\033[92m"
	colorCyan  = "\033[96m"

	mainPackage = "./cmd/cimcctl"
	binaryBase  = "cimcctl"
)

var releasePlatforms = []string{"linux/amd64", "linux/arm64", "darwin/arm64", "windows/amd64"}

// buildInfo is written next to the binaries.
type buildInfo struct {
	Timestamp string   `json:"timestamp"`
	GoVersion string   `json:"go_version"`
	GitCommit string   `json:"git_commit"`
	GitDirty  bool     `json:"git_dirty"`
	Binaries  []string `json:"binaries"`
}

type runner struct {
	rootDir  string
	buildDir string
	started  time.Time
	built    []string
}

func newRunner() (*runner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &runner{rootDir: wd, buildDir: filepath.Join(wd, "build"), started: time.Now()}, nil
}

func (r *runner) step(msg string) { fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, msg) }
func (r *runner) ok(msg string)   { fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, msg) }
func (r *runner) fail(msg string) { fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, msg) }

// run executes name with args in the module root. Output is echoed only
// when the command fails.
func (r *runner) run(env []string, name string, args ...string) (string, bool) {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.rootDir
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		r.fail(fmt.Sprintf("%s %s: %v", name, strings.Join(args, " "), err))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
		return stdout.String(), false
	}
	return stdout.String(), true
}

func (r *runner) vet() bool {
	r.step("Running go vet")
	if _, ok := r.run(nil, "go", "vet", "./..."); !ok {
		return false
	}
	out, ok := r.run(nil, "gofmt", "-l", ".")
	if !ok {
		return false
	}
	if files := strings.TrimSpace(out); files != "" {
		r.fail("Unformatted files:\n" + files)
		return false
	}
	r.ok("vet and gofmt clean")
	return true
}

func (r *runner) test(coverage bool) bool {
	r.step("Running tests")
	args := []string{"test", "-race", "-count=1"}
	if coverage {
		args = append(args, "-coverprofile=coverage.out")
	}
	args = append(args, "./...")
	if _, ok := r.run(nil, "go", args...); !ok {
		return false
	}
	r.ok("All tests passed")
	if !coverage {
		return true
	}
	out, ok := r.run(nil, "go", "tool", "cover", "-func=coverage.out")
	if !ok {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "total:") {
			fields := strings.Fields(line)
			r.ok("Test coverage: " + fields[len(fields)-1])
		}
	}
	return true
}

func (r *runner) build(platform string) bool {
	goos, goarch := runtime.GOOS, runtime.GOARCH
	if platform != "" {
		var found bool
		goos, goarch, found = strings.Cut(platform, "/")
		if !found || goos == "" || goarch == "" {
			r.fail("platform must be os/arch, e.g. linux/amd64")
			return false
		}
	}
	r.step(fmt.Sprintf("Building %s for %s/%s", binaryBase, goos, goarch))
	if err := os.MkdirAll(r.buildDir, 0o755); err != nil {
		r.fail(fmt.Sprintf("create build directory: %v", err))
		return false
	}

	name := binaryBase
	if platform != "" {
		name = fmt.Sprintf("%s-%s-%s", binaryBase, goos, goarch)
	}
	if goos == "windows" {
		name += ".exe"
	}
	out := filepath.Join(r.buildDir, name)
	env := []string{"GOOS=" + goos, "GOARCH=" + goarch, "CGO_ENABLED=0"}
	if _, ok := r.run(env, "go", "build", "-trimpath", "-ldflags", "-s -w", "-o", out, mainPackage); !ok {
		return false
	}
	info, err := os.Stat(out)
	if err != nil {
		r.fail("binary was not created")
		return false
	}
	r.built = append(r.built, out)
	r.ok(fmt.Sprintf("Built %s (%.1f MB)", out, float64(info.Size())/(1024*1024)))
	return true
}

func (r *runner) buildAll() bool {
	for _, p := range releasePlatforms {
		if !r.build(p) {
			return false
		}
	}
	return true
}

func (r *runner) clean() bool {
	r.step("Cleaning build artifacts")
	for _, p := range []string{r.buildDir, filepath.Join(r.rootDir, "coverage.out")} {
		if err := os.RemoveAll(p); err != nil {
			r.fail(fmt.Sprintf("remove %s: %v", p, err))
			return false
		}
	}
	r.ok("Clean")
	return true
}

func (r *runner) writeBuildInfo() {
	info := buildInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		GoVersion: runtime.Version(),
		GitCommit: "unknown",
		Binaries:  r.built,
	}
	if out, ok := r.run(nil, "git", "rev-parse", "--short=8", "HEAD"); ok {
		info.GitCommit = strings.TrimSpace(out)
	}
	if out, ok := r.run(nil, "git", "status", "--porcelain"); ok {
		info.GitDirty = strings.TrimSpace(out) != ""
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(r.buildDir, "build-info.json"), data, 0o644); err != nil {
		r.fail(fmt.Sprintf("write build info: %v", err))
	}
}

func main() {
	var platform string
	flag.StringVar(&platform, "platform", "", "target platform as os/arch")
	flag.Parse()

	command := "validate"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	r, err := newRunner()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var success bool
	switch command {
	case "test":
		success = r.test(false)
	case "coverage":
		success = r.test(true)
	case "build":
		success = r.build(platform)
	case "build-all":
		success = r.buildAll()
	case "clean":
		success = r.clean()
	case "validate":
		success = r.vet() && r.test(false) && r.build(platform)
	default:
		fmt.Fprintf(os.Stderr, "Invalid command: %s\nValid commands: validate, test, coverage, build, build-all, clean\n", command)
		os.Exit(1)
	}

	if success && len(r.built) > 0 {
		r.writeBuildInfo()
	}
	status := colorGreen + "SUCCESS"
	if !success {
		status = colorRed + "FAILED"
	}
	fmt.Printf("\n%sStatus: %s%s (%.1fs)\n", colorBold, status, colorReset, time.Since(r.started).Seconds())
	if !success {
		os.Exit(1)
	}
}
