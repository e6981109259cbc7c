package utils

import (
	"strings"
)

const DIDPrefix = "did:"

// HasDIDPrefix reports whether s looks like a decentralized identifier
// ("did:<method>:<id>").
func HasDIDPrefix(s string) bool {
	if !strings.HasPrefix(s, DIDPrefix) {
		return false
	}
	parts := strings.SplitN(s, ":", 3)
	return len(parts) == 3 && parts[1] != "" && parts[2] != ""
}

func IsYAMLFile(filename string) bool {
	return strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml")
}
