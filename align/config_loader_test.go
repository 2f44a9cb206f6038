package align

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLoadConfig_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `voxel_size: 0.1
ransac:
  num_iter: 100
  seed: 9
features:
  type: learned
matching:
  scorer: ratio
  top_n: 50
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VoxelSize != 0.1 {
		t.Errorf("VoxelSize = %g, want 0.1", cfg.VoxelSize)
	}
	if cfg.RANSAC.NumIter != 100 || cfg.RANSAC.Seed != 9 {
		t.Errorf("RANSAC = %+v", cfg.RANSAC)
	}
	if cfg.RANSAC.NumSamples != 8 {
		t.Errorf("NumSamples = %d, want default 8", cfg.RANSAC.NumSamples)
	}
	if cfg.Features.Type != ExtractorLearned {
		t.Errorf("Features.Type = %q, want learned", cfg.Features.Type)
	}
	if cfg.ICP.Method != PointToPlane {
		t.Errorf("ICP.Method = %q, want default %q", cfg.ICP.Method, PointToPlane)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero voxel", "voxel_size: 0\n"},
		{"negative normals radius", "normals:\n  radius_factor: -1\n"},
		{"unknown scorer", "matching:\n  scorer: cosine\n"},
		{"unknown render", "output:\n  render: gif\n"},
		{"too few samples", "ransac:\n  num_samples: 2\n"},
		{"unknown icp method", "icp:\n  method: point_to_line\n"},
		{"unknown extractor", "features:\n  type: shot\n"},
		{"zero synthetic points", "dataset:\n  synthetic:\n    points: 0\n"},
		{"malformed yaml", "voxel_size: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT = MQTTConfig{Broker: "tcp://localhost:1883", Prefix: "cloudreg", QoS: 1, Retain: true}
	cfg.Output.Render = "both"
	cfg.Output.Database = "runs.db"
	cfg.Dataset.Augment.Enabled = true
	cfg.ICP.Skip = true

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save/load (-want +got):\n%s", diff)
	}
}

func TestConfig_PipelineConfigScalesByVoxel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VoxelSize = 0.02
	cfg.Matching.Scorer = "ratio"
	pc := cfg.PipelineConfig()

	approx := func(name string, got, want float64) {
		t.Helper()
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("%s = %g, want %g", name, got, want)
		}
	}
	approx("normals radius", pc.Normals.Radius, 0.04)
	approx("keypoint radius", pc.Keypoints.Radius, 0.05)
	approx("feature radius", pc.Features.Radius, 0.1)
	approx("ransac distance", pc.Consensus.MaxCorrDist, 0.03)
	approx("icp distance", pc.Refinement.MaxCorrDist, 0.03)
	approx("gt radius", pc.GTMatchRadius, 0.03)

	if pc.Keypoints.Gamma21 != cfg.Keypoints.Lambda1 || pc.Keypoints.Gamma32 != cfg.Keypoints.Lambda2 {
		t.Errorf("gamma thresholds not carried: %+v", pc.Keypoints)
	}
	if pc.Features.Normals != pc.Normals || pc.Refinement.Normals != pc.Normals {
		t.Error("normal settings are not shared across stages")
	}
	if pc.Matching.Scorer == nil {
		t.Error("ratio scorer not resolved")
	}
	if err := pc.Validate(); err != nil {
		t.Errorf("resolved pipeline config is invalid: %v", err)
	}
}

func TestLoadConfig_RecomputeNormals(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "normals:\n  recompute: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Normals.Recompute || !cfg.PipelineConfig().RecomputeNormals {
		t.Error("normals.recompute not carried into the pipeline")
	}
	if cfg.Normals.MaxNN != DefaultConfig().Normals.MaxNN {
		t.Errorf("MaxNN = %d, want default", cfg.Normals.MaxNN)
	}
	if DefaultConfig().PipelineConfig().RecomputeNormals {
		t.Error("loaded normals are recomputed by default")
	}
}

func TestAugmentConfig_Augmenter(t *testing.T) {
	a := AugmentConfig{MaxRotationDeg: 30, MaxTranslation: 2, Jitter: 0.01, NoiseRatio: 0.1, Seed: 4}.Augmenter()
	want := Augmenter{MaxRotationDeg: 30, MaxTranslation: 2, Jitter: 0.01, NoiseRatio: 0.1, Seed: 4}
	if a != want {
		t.Errorf("Augmenter() = %+v, want %+v", a, want)
	}
}
