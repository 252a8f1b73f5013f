package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// WithCommand exposes an external command to templates as the function
// name. The ref is appended to argv and trimmed stdout is the secret.
func WithCommand(name string, argv ...string) Option {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		if len(argv) == 0 {
			return "", errors.New("no command configured")
		}
		cmd := exec.CommandContext(ctx, argv[0], append(argv[1:len(argv):len(argv)], ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s: %s: %w", strings.Join(argv, " "), strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}

// WithOnePassword exposes `op read` as the template function op.
func WithOnePassword() Option {
	return WithCommand("op", "op", "read")
}
