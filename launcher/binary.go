package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultBinaryName is the claude CLI executable looked up on PATH.
const defaultBinaryName = "claude"

// resolveBinary picks the executable to spawn: per-launch override, then the
// configured override, then PATH, then well-known install locations. Falls
// back to the bare name so the spawn error names what was attempted.
func (l *Launcher) resolveBinary(override string) string {
	if override != "" {
		return override
	}
	if l.binaryOverride != "" {
		return l.binaryOverride
	}

	if path, err := exec.LookPath(defaultBinaryName); err == nil {
		return path
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", defaultBinaryName),
		filepath.Join(home, ".claude", "local", defaultBinaryName),
		filepath.Join(home, ".npm-global", "bin", defaultBinaryName),
		"/usr/local/bin/" + defaultBinaryName,
		"/opt/homebrew/bin/" + defaultBinaryName,
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}

	return defaultBinaryName
}

// buildArgs assembles the subprocess argument vector. The sdk-url makes the
// child dial back to this server instead of talking to its own terminal.
func buildArgs(sdkURL string, opts LaunchOptions) []string {
	args := []string{
		"--sdk-url", sdkURL,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	return args
}

// buildEnv derives the child environment from the server's. CLAUDECODE is
// stripped so the child doesn't believe it is nested inside another session;
// with a self-signed server certificate the child must skip TLS verification
// when dialing back.
func buildEnv(extra map[string]string, selfSigned bool) []string {
	env := make([]string, 0, len(os.Environ())+len(extra)+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}

	if selfSigned {
		env = append(env, "NODE_TLS_REJECT_UNAUTHORIZED=0")
	}

	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return env
}
