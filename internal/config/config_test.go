package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCamerasFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func setRequiredEnv(t *testing.T, camerasFile string) {
	t.Helper()
	t.Setenv("VISIONOPS_DETECTOR_PATH", "/models/detector.bin")
	t.Setenv("VISIONOPS_CAPTIONER_PATH", "/models/captioner.bin")
	t.Setenv("VISIONOPS_CAPTIONER_TOKENIZER_PATH", "/models/tokenizer.json")
	t.Setenv("VISIONOPS_REPLICATION_ENDPOINT", "https://example.invalid/v1")
	t.Setenv("VISIONOPS_CAMERAS_FILE", camerasFile)
}

func TestLoadAppliesDefaultsAndPrefix(t *testing.T) {
	camerasFile := writeCamerasFile(t, "cameras: []\n")
	setRequiredEnv(t, camerasFile)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/visionopsd/visionops.db", cfg.DatabasePath)
	require.Equal(t, 65.0, cfg.Thresholds.WarmTempC)
	require.Equal(t, 100, cfg.Replication.BatchSize)
	require.Empty(t, cfg.Cameras)
}

func TestLoadParsesCameraSidecar(t *testing.T) {
	camerasFile := writeCamerasFile(t, `
cameras:
  - id: cam-1
    name: Driveway
    stream_url: rtsp://cam1.local/stream
    enabled: true
    priority: 1
    zones:
      - label: driveway
        polygon: [[0,0],[100,0],[100,100],[0,100]]
`)
	setRequiredEnv(t, camerasFile)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Cameras, 1)
	require.Equal(t, "cam-1", cfg.Cameras[0].ID)
	require.Equal(t, "rtsp://cam1.local/stream", cfg.Cameras[0].StreamURL)
	require.Len(t, cfg.Cameras[0].Zones, 1)
	require.Len(t, cfg.Cameras[0].Zones[0].Polygon, 4)
}

func TestLoadFailsOnMissingRequiredEnv(t *testing.T) {
	camerasFile := writeCamerasFile(t, "cameras: []\n")
	t.Setenv("VISIONOPS_CAMERAS_FILE", camerasFile)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsOnMissingCamerasFile(t *testing.T) {
	setRequiredEnv(t, "/nonexistent/cameras.yaml")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsOnCameraMissingStreamURL(t *testing.T) {
	camerasFile := writeCamerasFile(t, `
cameras:
  - id: cam-1
    name: Driveway
`)
	setRequiredEnv(t, camerasFile)

	_, err := Load()
	require.Error(t, err)
}
