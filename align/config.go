package align

import "fmt"

// Config is the unified YAML configuration. Every radius is expressed as a
// factor of VoxelSize; PipelineConfig resolves them to absolute values.
type Config struct {
	VoxelSize     float64 `yaml:"voxel_size"`
	Workers       int     `yaml:"workers,omitempty"`
	GTMatchFactor float64 `yaml:"gt_match_factor"`

	Normals   NormalsConfig   `yaml:"normals"`
	Keypoints KeypointsConfig `yaml:"keypoints"`
	Features  FeaturesConfig  `yaml:"features"`
	Matching  MatchingConfig  `yaml:"matching"`
	RANSAC    ConsensusConfig `yaml:"ransac"`
	ICP       RefineConfig    `yaml:"icp"`

	Dataset DatasetConfig `yaml:"dataset"`
	Output  OutputConfig  `yaml:"output"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Success SuccessConfig `yaml:"success"`
}

// NormalsConfig controls normal estimation
type NormalsConfig struct {
	RadiusFactor float64 `yaml:"radius_factor"`
	MaxNN        int     `yaml:"max_nn"`
	Recompute    bool    `yaml:"recompute"` // re-estimate normals read from the input files
}

// KeypointsConfig controls ISS detection
type KeypointsConfig struct {
	RadiusFactor float64 `yaml:"key_radius_factor"`
	Lambda1      float64 `yaml:"lambda1"`
	Lambda2      float64 `yaml:"lambda2"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSaliency  float64 `yaml:"min_saliency,omitempty"`
	SaltRatio    float64 `yaml:"salt_ratio,omitempty"`
}

// FeaturesConfig selects the descriptor backend
type FeaturesConfig struct {
	Type         ExtractorKind `yaml:"type"`
	RadiusFactor float64       `yaml:"fpfh_radius_factor"`
	MaxNN        int           `yaml:"fpfh_nn"`
}

// MatchingConfig controls correspondence proposal
type MatchingConfig struct {
	Mutual         bool    `yaml:"mutual"`
	Scorer         string  `yaml:"scorer,omitempty"` // "" or "ratio"
	ScoreThreshold float64 `yaml:"score_threshold,omitempty"`
	TopN           int     `yaml:"top_n,omitempty"`
}

// ConsensusConfig controls RANSAC
type ConsensusConfig struct {
	NumSamples           int     `yaml:"num_samples"`
	MaxCorrDistFactor    float64 `yaml:"max_corrdist_factor"`
	NumIter              int     `yaml:"num_iter"`
	NumValid             int     `yaml:"num_valid"`
	NumRefine            int     `yaml:"num_refine"`
	MaxMNNDistRatio      float64 `yaml:"max_mnn_dist_ratio,omitempty"`
	NormalAngleThreshold float64 `yaml:"normal_angle_threshold,omitempty"`
	EdgeLengthRatio      float64 `yaml:"edge_length_ratio,omitempty"`
	MinInliers           int     `yaml:"min_inliers,omitempty"`
	Seed                 int64   `yaml:"seed"`
}

// RefineConfig controls ICP
type RefineConfig struct {
	Skip              bool      `yaml:"skip,omitempty"`
	Method            ICPMethod `yaml:"method"`
	RadiusFactor      float64   `yaml:"radius_factor"`
	MaxIterations     int       `yaml:"max_iterations"`
	Tolerance         float64   `yaml:"tolerance"`
	OutlierPercentile float64   `yaml:"outlier_percentile,omitempty"`
}

// DatasetConfig selects where samples come from. Manifest wins over Synthetic.
type DatasetConfig struct {
	Manifest  string          `yaml:"manifest,omitempty"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
	Augment   AugmentConfig   `yaml:"augment"`
}

// SyntheticConfig parameterises generated samples
type SyntheticConfig struct {
	Count  int   `yaml:"count"`
	Points int   `yaml:"points"`
	Shape  Shape `yaml:"shape"`
	Seed   int64 `yaml:"seed"`
}

// AugmentConfig mirrors Augmenter
type AugmentConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxRotationDeg float64 `yaml:"augdgre"`
	MaxTranslation float64 `yaml:"augdist"`
	Jitter         float64 `yaml:"augjitr"`
	NoiseRatio     float64 `yaml:"augnois"`
	Seed           int64   `yaml:"seed"`
}

// Augmenter builds the configured augmenter
func (a AugmentConfig) Augmenter() Augmenter {
	return Augmenter{
		MaxRotationDeg: a.MaxRotationDeg,
		MaxTranslation: a.MaxTranslation,
		Jitter:         a.Jitter,
		NoiseRatio:     a.NoiseRatio,
		Seed:           a.Seed,
	}
}

// OutputConfig selects the result sinks. Empty values disable a sink.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	PLY          bool   `yaml:"ply"`
	Render       string `yaml:"render,omitempty"` // svg, png or both
	Stats        string `yaml:"stats,omitempty"`  // file name inside Dir
	Database     string `yaml:"database,omitempty"`
	TrackerCache string `yaml:"tracker_cache,omitempty"`
}

// MQTTConfig holds broker settings for the diagnostics publisher
type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty"`
}

// SuccessConfig defines when a sample counts as registered
type SuccessConfig struct {
	RotationDeg float64 `yaml:"rotation_deg"`
	Translation float64 `yaml:"translation"`
}

// DefaultConfig returns the defaults used when a key is missing from YAML
func DefaultConfig() *Config {
	return &Config{
		VoxelSize:     0.05,
		GTMatchFactor: 1.5,
		Normals:       NormalsConfig{RadiusFactor: 2.0, MaxNN: 50},
		Keypoints: KeypointsConfig{
			RadiusFactor: 2.5,
			Lambda1:      0.975,
			Lambda2:      0.975,
			MinNeighbors: 5,
		},
		Features: FeaturesConfig{Type: ExtractorFPFH, RadiusFactor: 5.0, MaxNN: 100},
		RANSAC: ConsensusConfig{
			NumSamples:        8,
			MaxCorrDistFactor: 1.5,
			NumIter:           7500,
			NumValid:          750,
			NumRefine:         25,
			EdgeLengthRatio:   0.85,
			Seed:              1,
		},
		ICP: RefineConfig{
			Method:        PointToPlane,
			RadiusFactor:  1.5,
			MaxIterations: 30,
			Tolerance:     1e-6,
		},
		Dataset: DatasetConfig{
			Synthetic: SyntheticConfig{Count: 10, Points: 2000, Shape: ShapeBox, Seed: 1},
			Augment:   AugmentConfig{MaxRotationDeg: 90, MaxTranslation: 5, Seed: 1},
		},
		Output:  OutputConfig{Dir: "output", Stats: "out.txt"},
		Success: SuccessConfig{RotationDeg: 5, Translation: 0.1},
	}
}

// Validate checks the fields that PipelineConfig does not cover
func (c *Config) Validate() error {
	if c.VoxelSize <= 0 {
		return fmt.Errorf("voxel_size must be positive, got %g", c.VoxelSize)
	}
	if c.Normals.RadiusFactor <= 0 {
		return fmt.Errorf("normals.radius_factor must be positive")
	}
	if c.GTMatchFactor <= 0 {
		return fmt.Errorf("gt_match_factor must be positive")
	}
	switch c.Matching.Scorer {
	case "", "none", "ratio":
	default:
		return fmt.Errorf("matching.scorer must be \"ratio\" or empty, got %q", c.Matching.Scorer)
	}
	switch c.Output.Render {
	case "", "svg", "png", "both":
	default:
		return fmt.Errorf("output.render must be svg, png or both, got %q", c.Output.Render)
	}
	if c.Dataset.Manifest == "" && c.Dataset.Synthetic.Count > 0 && c.Dataset.Synthetic.Points <= 0 {
		return fmt.Errorf("dataset.synthetic.points must be positive")
	}
	pc := c.PipelineConfig()
	return pc.Validate()
}

// PipelineConfig resolves voxel-relative factors into absolute parameters
func (c *Config) PipelineConfig() PipelineConfig {
	v := c.VoxelSize
	normals := NormalConfig{Radius: v * c.Normals.RadiusFactor, MaxNN: c.Normals.MaxNN}
	pc := PipelineConfig{
		VoxelSize:        v,
		Normals:          normals,
		RecomputeNormals: c.Normals.Recompute,
		Keypoints: ISSConfig{
			Radius:       v * c.Keypoints.RadiusFactor,
			Gamma21:      c.Keypoints.Lambda1,
			Gamma32:      c.Keypoints.Lambda2,
			MinNeighbors: c.Keypoints.MinNeighbors,
			MinSaliency:  c.Keypoints.MinSaliency,
		},
		Features: ExtractorConfig{
			Kind:    c.Features.Type,
			Radius:  v * c.Features.RadiusFactor,
			MaxNN:   c.Features.MaxNN,
			Normals: normals,
		},
		Matching: MatchConfig{
			Mutual:         c.Matching.Mutual,
			ScoreThreshold: c.Matching.ScoreThreshold,
			TopN:           c.Matching.TopN,
		},
		Consensus: RANSACConfig{
			NumSamples:           c.RANSAC.NumSamples,
			MaxCorrDist:          v * c.RANSAC.MaxCorrDistFactor,
			NumIter:              c.RANSAC.NumIter,
			NumValid:             c.RANSAC.NumValid,
			NumRefine:            c.RANSAC.NumRefine,
			MaxMNNDistRatio:      c.RANSAC.MaxMNNDistRatio,
			NormalAngleThreshold: c.RANSAC.NormalAngleThreshold,
			EdgeLengthRatio:      c.RANSAC.EdgeLengthRatio,
			MinInliers:           c.RANSAC.MinInliers,
			Seed:                 c.RANSAC.Seed,
		},
		Refinement: ICPConfig{
			Method:            c.ICP.Method,
			MaxCorrDist:       v * c.ICP.RadiusFactor,
			MaxIterations:     c.ICP.MaxIterations,
			Tolerance:         c.ICP.Tolerance,
			OutlierPercentile: c.ICP.OutlierPercentile,
			Normals:           normals,
		},
		SkipRefinement: c.ICP.Skip,
		SaltRatio:      c.Keypoints.SaltRatio,
		GTMatchRadius:  v * c.GTMatchFactor,
		Workers:        c.Workers,
	}
	if c.Matching.Scorer == "ratio" {
		pc.Matching.Scorer = RatioScorer
	}
	return pc
}
