package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// DefaultFingerprint hashes the process environment. It is a soft signal for
// spotting device changes and carries no security weight.
func DefaultFingerprint() string {
	return EnvironmentFingerprint(os.Getenv, os.Hostname)
}

func EnvironmentFingerprint(getenv func(string) string, hostname func() (string, error)) string {
	host, err := hostname()
	if err != nil {
		host = ""
	}
	locale := firstNonEmpty(getenv("LC_ALL"), getenv("LC_MESSAGES"), getenv("LANG"))
	signals := []string{
		"display=" + getenv("COLUMNS") + "x" + getenv("LINES"),
		"locale=" + locale,
		"surface=" + getenv("TERM") + "/" + getenv("COLORTERM"),
		"host=" + host,
		"platform=" + runtime.GOOS + "/" + runtime.GOARCH,
	}
	sum := sha256.Sum256([]byte(strings.Join(signals, "\n")))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
