package dependency

import (
	"fmt"
	"slices"
	"strings"

	pkgmetrics "github.com/houzhh15/scribeq/pkg/metrics"
)

var forbiddenPrefixes = []string{"/etc", "/sys", "/proc", "/dev"}

// ValidateCommandRequest performs security checks before command execution:
//  1. Command whitelist (if configured)
//  2. Argument safety (no path traversal, no system directory access)
//  3. Working directory inside the work directory
//
// Rejections are counted in scribeq_command_rejected_total.
func ValidateCommandRequest(req CommandRequest, config ExecutorConfig) error {
	if err := validate(req, config); err != nil {
		pkgmetrics.RecordCommandRejected(req.Command)
		return err
	}
	return nil
}

func validate(req CommandRequest, config ExecutorConfig) error {
	if len(config.AllowedCommands) > 0 && !slices.Contains(config.AllowedCommands, req.Command) {
		return fmt.Errorf("command %s is not in whitelist (allowed: %v)", req.Command, config.AllowedCommands)
	}

	for _, arg := range req.Args {
		if strings.Contains(arg, "..") && !isURL(arg) {
			return fmt.Errorf("argument contains dangerous characters '..' (path traversal attempt): %s", arg)
		}
		for _, prefix := range forbiddenPrefixes {
			if arg == prefix || strings.HasPrefix(arg, prefix+"/") {
				return fmt.Errorf("argument attempts to access forbidden system directory %s: %s", prefix, arg)
			}
		}
	}

	if req.WorkingDir != "" {
		pm := NewPathManager(config.WorkDir)
		if err := pm.ValidatePath(req.WorkingDir); err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
	}
	return nil
}

func isURL(arg string) bool {
	return strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://")
}
