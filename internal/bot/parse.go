package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseGroupArg extracts a group id or key from a command argument string.
func ParseGroupArg(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", fmt.Errorf("group is required")
	}
	return parts[0], nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

// ParseDiscoverArgs parses arguments for /discover.
// Format: [-all] [name filter...]
// Without arguments the configured defaults apply.
func ParseDiscoverArgs(args string, publicOnly bool, filter string) (bool, string) {
	parts := strings.Fields(args)
	if len(parts) > 0 && parts[0] == "-all" {
		publicOnly = false
		parts = parts[1:]
	}
	if len(parts) > 0 {
		filter = strings.Join(parts, " ")
	}
	return publicOnly, filter
}
