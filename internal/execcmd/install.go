package execcmd

import (
	"context"
	"errors"
	"strings"
	"time"
)

// InstallOptions selects packages and pip flags for an install.
type InstallOptions struct {
	Packages      []string
	Upgrade       bool
	NoDeps        bool
	Pre           bool
	IndexURL      string
	ExtraIndexURL string
	Timeout       time.Duration
}

// InstallCommand builds the pip command line for options.
func InstallCommand(python string, options InstallOptions) ([]string, error) {
	packages := make([]string, 0, len(options.Packages))
	for _, pkg := range options.Packages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			packages = append(packages, pkg)
		}
	}
	if len(packages) == 0 {
		return nil, errors.New("packages must be a non-empty list of package names")
	}
	python = strings.TrimSpace(python)
	if python == "" {
		python = DefaultPython
	}

	argv := []string{python, "-m", "pip", "install", "--no-input", "--disable-pip-version-check"}
	if options.Upgrade {
		argv = append(argv, "--upgrade")
	}
	if options.NoDeps {
		argv = append(argv, "--no-deps")
	}
	if options.Pre {
		argv = append(argv, "--pre")
	}
	if url := strings.TrimSpace(options.IndexURL); url != "" {
		argv = append(argv, "--index-url", url)
	}
	if url := strings.TrimSpace(options.ExtraIndexURL); url != "" {
		argv = append(argv, "--extra-index-url", url)
	}
	return append(argv, packages...), nil
}

// Install runs pip for options with the configured interpreter. Installs
// bypass the allow list since the executable is fixed.
func (r *Runner) Install(ctx context.Context, options InstallOptions) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner is nil")
	}
	argv, err := InstallCommand(r.python, options)
	if err != nil {
		return Result{}, err
	}
	return r.run(ctx, argv, Request{Timeout: options.Timeout})
}
