package bridge

import (
	"fmt"

	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/rpc"
)

// extendedOutput is the payload every extended command produces,
// locally or on the peer.
type extendedOutput struct {
	Status     string `cbor:"status"`
	ReturnCode int    `cbor:"returncode"`
	Command    string `cbor:"command,omitempty"`
	Stdout     string `cbor:"stdout"`
	Stderr     string `cbor:"stderr"`
	DurationMS int64  `cbor:"duration_ms,omitempty"`
}

const unlimitedWarning = "line_limit=-1 returns the full output and may consume a large number of tokens"

// captureOutput records the complete output of an extended command and
// returns a payload truncated to the requested line limit.
func (b *Bridge) captureOutput(command *Command, result Result) Result {
	var output extendedOutput
	if err := rpc.Convert(result.Payload, &output); err != nil {
		return Failure(KindInternal, fmt.Errorf("decode %s output: %w", command.Operation, err))
	}

	id := b.outputs.NextID()
	err := b.outputs.Put(
		id,
		outputstore.SplitLines(output.Stdout),
		outputstore.SplitLines(output.Stderr),
		output.ReturnCode,
		outputstore.WithToolName(command.Operation),
	)
	if err != nil {
		return Failure(KindInternal, fmt.Errorf("record %s output: %w", command.Operation, err))
	}

	limit := b.cfg.DefaultLineLimit
	if command.LineLimit != nil {
		limit = *command.LineLimit
	}
	stdout, stdoutCut := outputstore.TruncateLines(output.Stdout, limit)
	stderr, stderrCut := outputstore.TruncateLines(output.Stderr, limit)

	payload := map[string]any{
		"status":     output.Status,
		"returncode": output.ReturnCode,
		"stdout":     stdout,
		"stderr":     stderr,
		"output_id":  id,
		"truncated":  stdoutCut || stderrCut,
	}
	if output.Command != "" {
		payload["command"] = output.Command
	}
	if output.DurationMS > 0 {
		payload["duration_ms"] = output.DurationMS
	}
	if limit < 0 {
		payload["warning"] = unlimitedWarning
	}
	if stdoutCut || stderrCut {
		payload["message"] = fmt.Sprintf("Output truncated to %d lines. Use read_output('%s') to retrieve the full output.", limit, id)
	}
	result.Payload = payload
	return result
}
