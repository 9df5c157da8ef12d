package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"silentnet/models"
	"silentnet/network"
)

// ExportFileSuffix names the file written by ExportPublicKey.
const ExportFileSuffix = "_public_key.json"

// ExportPublicKey writes "<user_id>_public_key.json" to the export directory
// and returns its path. An existing file is overwritten.
func (n *Node) ExportPublicKey() (string, error) {
	dir := n.cfg.ExportDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export directory %q: %w", dir, err)
	}

	export := models.KeyExport{
		UserID:    n.cfg.UserID,
		PublicKey: string(n.identity.PublicKeyPEM),
		KeyHash:   n.identity.Fingerprint,
		Timestamp: network.FormatTimestamp(n.now()),
	}
	raw, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal key export: %w", err)
	}

	path := filepath.Join(dir, n.cfg.UserID+ExportFileSuffix)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write key export: %w", err)
	}

	n.log.Info().Str("path", path).Msg("public key exported")
	return path, nil
}
