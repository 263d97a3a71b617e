package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/execcmd"
	"github.com/ship-commander/cmdbridge/internal/session"
)

func processTimeout(args Args) (time.Duration, error) {
	seconds := args.Float("timeout")
	if seconds < 0 {
		return 0, invalid("timeout must not be negative")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func checkLineLimit(args Args) error {
	if limit := args.IntPtr("line_limit"); limit != nil && *limit < -1 {
		return invalid("line_limit must be -1 or greater, got %d", *limit)
	}
	return nil
}

func buildExecuteCommand(g *Gateway, args Args) (bridge.Handler, error) {
	if err := checkLineLimit(args); err != nil {
		return nil, err
	}
	argv, err := execcmd.ParseCommand(args.String("command"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrValidation, err)
	}
	extra, err := args.Strings("args")
	if err != nil {
		return nil, err
	}
	timeout, err := processTimeout(args)
	if err != nil {
		return nil, err
	}
	request := execcmd.Request{
		Args:    append(argv, extra...),
		Dir:     args.String("cwd"),
		Timeout: timeout,
	}
	runner := g.runner
	return func(ctx context.Context, _ *session.Manager) (any, error) {
		return runner.Run(ctx, request)
	}, nil
}

func buildInstallPackages(g *Gateway, args Args) (bridge.Handler, error) {
	if err := checkLineLimit(args); err != nil {
		return nil, err
	}
	packages, err := args.Strings("packages")
	if err != nil {
		return nil, err
	}
	cleaned := packages[:0]
	for _, pkg := range packages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			cleaned = append(cleaned, pkg)
		}
	}
	if len(cleaned) == 0 {
		return nil, invalid("packages must be a non-empty list of package names")
	}
	timeout, err := processTimeout(args)
	if err != nil {
		return nil, err
	}
	options := execcmd.InstallOptions{
		Packages:      cleaned,
		Upgrade:       args.Bool("upgrade"),
		NoDeps:        args.Bool("no_deps"),
		Pre:           args.Bool("pre"),
		IndexURL:      args.String("index_url"),
		ExtraIndexURL: args.String("extra_index_url"),
		Timeout:       timeout,
	}
	runner := g.runner
	return func(ctx context.Context, _ *session.Manager) (any, error) {
		return runner.Install(ctx, options)
	}, nil
}
