// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package ctlsock

import (
	"context"
	"fmt"
	"net"

	"github.com/autopeer-foundation/autopeer/lib/codec"
)

// Call connects to the control socket, sends one request, and decodes
// the response data into result (which may be nil when no data is
// expected). The request value must carry the "action" field.
func Call(ctx context.Context, socketPath string, request any, result any) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("ctlsock: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("ctlsock: sending request: %w", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("ctlsock: reading response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("ctlsock: %s", response.Error)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("ctlsock: decoding response data: %w", err)
		}
	}
	return nil
}
