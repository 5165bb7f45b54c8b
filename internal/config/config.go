// Package config loads VisionOps's startup configuration: a root
// struct populated with env.v9 struct tags (the teacher's exact
// approach in BrunoKrugel/snapshot2stream/internal/config), a
// VISIONOPS_ prefix per spec.md §6, and a YAML camera sidecar loaded
// the way lkumar3-iitr-Sensor-Logger/utils loads sensors.yaml, since
// camera lists and zone polygons don't fit flat env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/errs"
)

// EnvPrefix is the spec.md §6 environment-variable override prefix.
const EnvPrefix = "VISIONOPS_"

// Thresholds mirrors internal/governor.Thresholds' shape so it can be
// loaded from env without config depending on the components it
// configures.
type Thresholds struct {
	WarmTempC     float64 `env:"WARM_TEMP_C" envDefault:"65"`
	HotTempC      float64 `env:"HOT_TEMP_C" envDefault:"70"`
	CriticalTempC float64 `env:"CRITICAL_TEMP_C" envDefault:"75"`

	WarmMemMB     float64 `env:"WARM_MEM_MB" envDefault:"4000"`
	HotMemMB      float64 `env:"HOT_MEM_MB" envDefault:"5000"`
	CriticalMemMB float64 `env:"CRITICAL_MEM_MB" envDefault:"6000"`

	WarmGrowthMBH     float64 `env:"WARM_GROWTH_MBH" envDefault:"10"`
	HotGrowthMBH      float64 `env:"HOT_GROWTH_MBH" envDefault:"25"`
	CriticalGrowthMBH float64 `env:"CRITICAL_GROWTH_MBH" envDefault:"50"`
}

// ModelPaths locates the two on-disk neural graph artifacts (spec §6).
type ModelPaths struct {
	DetectorPath     string `env:"DETECTOR_PATH,required"`
	CaptionerPath    string `env:"CAPTIONER_PATH,required"`
	CaptionTokenizer string `env:"CAPTIONER_TOKENIZER_PATH,required"`
}

// Replication configures the outbound batch endpoint and credential.
type Replication struct {
	Endpoint      string        `env:"REPLICATION_ENDPOINT,required"`
	CredentialKey string        `env:"REPLICATION_CREDENTIAL_KEY"`
	BatchSize     int           `env:"REPLICATION_BATCH_SIZE" envDefault:"100"`
	DrainInterval time.Duration `env:"REPLICATION_DRAIN_INTERVAL" envDefault:"5s"`
}

// IPC configures the local control-surface socket.
type IPC struct {
	SocketPath string `env:"IPC_SOCKET_PATH" envDefault:"/tmp/visionopsd.sock"`
}

// Supervisor configures scheduled restart and shutdown draining.
type Supervisor struct {
	RestartSchedule      string        `env:"RESTART_SCHEDULE" envDefault:"0 3 * * *"`
	ShutdownBudget       time.Duration `env:"SHUTDOWN_BUDGET" envDefault:"30s"`
	ReplicatorDrainGrace time.Duration `env:"REPLICATOR_DRAIN_GRACE" envDefault:"5m"`
	PostMortemDir        string        `env:"POSTMORTEM_DIR" envDefault:"/var/lib/visionopsd/postmortem"`
}

// Health configures the health/metrics HTTP exposition.
type Health struct {
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Config is the full root configuration record, loaded once at
// startup into an immutable structure (spec §5: "live reconfiguration
// is limited to enable/disable flags and threshold numerics").
type Config struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"/var/lib/visionopsd/visionops.db"`
	CamerasFile  string `env:"CAMERAS_FILE" envDefault:"/etc/visionopsd/cameras.yaml"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	Thresholds  Thresholds
	Models      ModelPaths
	Replication Replication
	IPC         IPC
	Supervisor  Supervisor
	Health      Health

	Cameras []domain.CameraSpec `env:"-"` // populated from CamerasFile, not env
}

// cameraYAML mirrors domain.CameraSpec with YAML tags; zones use
// plain [x,y] pairs instead of domain.Point for a friendlier sidecar
// format.
type cameraYAML struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	StreamURL    string `yaml:"stream_url"`
	CredentialID string `yaml:"credential_id"`
	Enabled      bool   `yaml:"enabled"`
	Priority     int    `yaml:"priority"`
	Zones        []struct {
		Label   string   `yaml:"label"`
		Polygon [][2]int `yaml:"polygon"`
	} `yaml:"zones"`
}

type camerasFile struct {
	Cameras []cameraYAML `yaml:"cameras"`
}

// Load reads env vars (with the VISIONOPS_ prefix) into a Config, then
// loads the camera sidecar YAML referenced by CamerasFile. A missing
// required env var or an unreadable/malformed sidecar is a
// Configuration error (spec §7: fatal at startup).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.Configuration, err)
	}

	cameras, err := loadCameras(cfg.CamerasFile)
	if err != nil {
		return nil, err
	}
	cfg.Cameras = cameras

	return cfg, nil
}

func loadCameras(path string) ([]domain.CameraSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read cameras file %q: %v", errs.Configuration, path, err)
	}

	var raw camerasFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse cameras file %q: %v", errs.Configuration, path, err)
	}

	specs := make([]domain.CameraSpec, 0, len(raw.Cameras))
	for _, c := range raw.Cameras {
		if c.ID == "" || c.StreamURL == "" {
			return nil, fmt.Errorf("%w: camera entry missing id or stream_url", errs.Configuration)
		}
		zones := make([]domain.Zone, 0, len(c.Zones))
		for _, z := range c.Zones {
			poly := make([]domain.Point, 0, len(z.Polygon))
			for _, p := range z.Polygon {
				poly = append(poly, domain.Point{X: p[0], Y: p[1]})
			}
			zones = append(zones, domain.Zone{Label: z.Label, Polygon: poly})
		}
		specs = append(specs, domain.CameraSpec{
			ID:           c.ID,
			Name:         c.Name,
			StreamURL:    c.StreamURL,
			CredentialID: c.CredentialID,
			Enabled:      c.Enabled,
			Priority:     c.Priority,
			Zones:        zones,
		})
	}
	return specs, nil
}
