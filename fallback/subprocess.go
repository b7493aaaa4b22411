package fallback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/CodeAmalgamation/bridged/codec"
	"github.com/CodeAmalgamation/bridged/message"
)

var subprocessCodec codec.Codec = &codec.JSONCodec{}

// SubprocessArg is the flag cmd/bridged recognizes to run a single
// request as a one-shot child process instead of serving the socket —
// the "as a child process" half of spec §4.H's fallback contract,
// grounded on steveyegge-beads' pattern of shelling out to a small
// helper binary (cmd/dialog-client) rather than hand-rolling IPC.
const SubprocessArg = "--fallback-exec"

// RunSubprocess executes one request by spawning binaryPath with
// SubprocessArg, writing the JSON-encoded request to its stdin and
// reading the JSON-encoded response from its stdout. Used when a
// caller wants process-level isolation (a crashing handler cannot take
// the parent down) rather than the in-process Executor.
func RunSubprocess(ctx context.Context, binaryPath string, req message.Request) (*message.Response, error) {
	payload, err := subprocessCodec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("fallback: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, binaryPath, SubprocessArg)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fallback: subprocess failed: %w (stderr: %s)", err, stderr.String())
	}

	var resp message.Response
	if err := subprocessCodec.Decode(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("fallback: decode subprocess response: %w", err)
	}
	return &resp, nil
}
