package pool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trafficbuster/conductor/internal/pool"

	"github.com/stretchr/testify/require"
)

func TestLoadFingerprints(t *testing.T) {
	t.Parallel()

	t.Run("missing file yields empty catalog", func(t *testing.T) {
		t.Parallel()
		got, err := pool.LoadFingerprints(filepath.Join(t.TempDir(), "nope.json"))
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("parses the catalog", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		raw := `[{"os":"windows","browser":"chrome","userAgent":"UA","resolutions":["1920x1080"]}]`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

		got, err := pool.LoadFingerprints(path)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "windows", got[0].OS)
		require.Equal(t, []string{"1920x1080"}, got[0].Resolutions)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

		_, err := pool.LoadFingerprints(path)
		require.Error(t, err)
	})
}
