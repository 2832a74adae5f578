package stream

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// RenderPushConfig produces one nginx-rtmp push directive per enabled service
// that has an endpoint, in service name order.
func RenderPushConfig(records map[string]domain.CredentialRecord) []byte {
	names := make([]string, 0, len(records))
	for name, r := range records {
		if r.Enabled && r.Endpoint != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "push %s;\n", records[name].Endpoint)
	}
	return buf.Bytes()
}

// WritePushConfig replaces path atomically.
func WritePushConfig(path string, records map[string]domain.CredentialRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create push config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".push-*.conf")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(RenderPushConfig(records)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write push config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write push config: %w", err)
	}
	// Stream keys are secrets.
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to set push config mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace push config: %w", err)
	}
	return nil
}
