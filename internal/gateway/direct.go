package gateway

import (
	"context"
	"fmt"

	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/rpc"
)

func runDetectViewers(ctx context.Context, g *Gateway, _ Args) (any, error) {
	return g.bridge.Detect(ctx), nil
}

func runSetTargetMode(ctx context.Context, g *Gateway, args Args) (any, error) {
	return g.bridge.SetTargetMode(ctx, args.String("mode"))
}

func runListOperations(_ context.Context, g *Gateway, _ Args) (any, error) {
	return g.Operations(), nil
}

func runBridgeStatus(_ context.Context, g *Gateway, _ Args) (any, error) {
	return g.bridge.Status(), nil
}

func runHandshake(_ context.Context, g *Gateway, args Args) (any, error) {
	if err := rpc.CheckProtocolVersion(args.String("protocol_version")); err != nil {
		return nil, invalid("%v", err)
	}
	return rpc.NewHandshakeResponse(g.serverVersion, g.instanceID), nil
}

func runReadOutput(_ context.Context, g *Gateway, args Args) (any, error) {
	start, end := args.Int("start"), args.Int("end")
	if start < 0 {
		return nil, invalid("start must be >= 0, got %d", start)
	}
	if end >= 0 && end < start {
		return nil, invalid("end %d is before start %d", end, start)
	}
	stream, err := outputstore.ParseStream(args.String("stream"))
	if err != nil {
		return nil, invalid("%v", err)
	}
	page, err := g.bridge.Outputs().Read(args.String("output_id"), outputstore.Range{Stream: stream, Start: start, End: end})
	if err != nil {
		return nil, err
	}

	result := OutputPage{
		OutputID:   page.ID,
		ToolName:   page.ToolName,
		Lines:      page.Lines,
		TotalLines: page.TotalLines,
		LineRange:  [2]int{min(start, page.TotalLines), page.End},
		Truncated:  page.Truncated,
	}
	if end == 0 {
		result.Lines = []string{}
		result.LineRange = [2]int{0, 0}
	}
	if page.ReturnValue != nil {
		result.ResultRepr = fmt.Sprint(page.ReturnValue)
	}
	return result, nil
}
