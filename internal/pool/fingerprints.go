package pool

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trafficbuster/conductor/internal/model"
)

// LoadFingerprints reads the master fingerprint catalog, a JSON array of
// OS/browser/UA/resolution tuples. A missing path yields an empty
// catalog rather than an error: matching still works, only the platform
// listing is empty.
func LoadFingerprints(path string) ([]model.Platform, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading fingerprints %s: %w", path, err)
	}

	var out []model.Platform
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing fingerprints %s: %w", path, err)
	}
	return out, nil
}
