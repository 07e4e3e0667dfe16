// Package config loads and serialises the immutable configuration
// record threaded through every constructor in this module (spec.md §6,
// §9 "Global tuning constants"). No package-level mutable globals hold
// tuning values; everything lives on this struct.
//
// YAML struct tags follow the idiom of other_examples/seqsense-pcdeditor__map.go
// and other_examples/LucaChot-pronto__kalman.go, grounding
// gopkg.in/yaml.v3 as the serialisation library.
package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LidarType enumerates the recognised preprocess/lidar_type values.
type LidarType string

const (
	AVIA   LidarType = "AVIA"
	VELO32 LidarType = "VELO32"
	OUST64 LidarType = "OUST64"
)

func (t LidarType) valid() bool {
	switch t {
	case AVIA, VELO32, OUST64:
		return true
	default:
		return false
	}
}

// IVoxNearbyType mirrors the four §4.1 neighbourhood modes as the
// integer enum spec.md §6 specifies: {0,6,18,26}.
type IVoxNearbyType int

func (t IVoxNearbyType) valid() bool {
	switch t {
	case 0, 6, 18, 26:
		return true
	default:
		return false
	}
}

// Config is the immutable, fully-resolved set of recognised
// configuration keys from spec.md §6.
type Config struct {
	MaxIteration        int     `yaml:"max_iteration"`
	EstiPlaneThreshold  float64 `yaml:"esti_plane_threshold"`
	FilterSizeSurf      float64 `yaml:"filter_size_surf"`
	FilterSizeMap       float64 `yaml:"filter_size_map"`
	CubeSideLength      float64 `yaml:"cube_side_length"`

	Mapping struct {
		DetRange        float64    `yaml:"det_range"`
		GyrCov          float64    `yaml:"gyr_cov"`
		AccCov          float64    `yaml:"acc_cov"`
		BGyrCov         float64    `yaml:"b_gyr_cov"`
		BAccCov         float64    `yaml:"b_acc_cov"`
		ExtrinsicEstEn  bool       `yaml:"extrinsic_est_en"`
		ExtrinsicT      [3]float64 `yaml:"extrinsic_T"`
		ExtrinsicR      [9]float64 `yaml:"extrinsic_R"`
	} `yaml:"mapping"`

	Preprocess struct {
		Blind     float64   `yaml:"blind"`
		TimeScale float64   `yaml:"time_scale"`
		LidarType LidarType `yaml:"lidar_type"`
		ScanLine  int       `yaml:"scan_line"`
	} `yaml:"preprocess"`

	PointFilterNum      int             `yaml:"point_filter_num"`
	FeatureExtractEnable bool           `yaml:"feature_extract_enable"`
	IVoxGridResolution  float64         `yaml:"ivox_grid_resolution"`
	IVoxNearbyType      IVoxNearbyType  `yaml:"ivox_nearby_type"`

	// Frames names the coordinate frames a downstream consumer resolves
	// FrameBroadcast poses against; this repo carries the identifiers
	// but never resolves them itself (no tf dependency in the pack).
	Frames struct {
		BaseLink string `yaml:"base_link_frame"`
		Lidar    string `yaml:"lidar_frame"`
		Global   string `yaml:"global_frame"`
	} `yaml:"frames"`

	// PCDSave mirrors the original's pcd_save/* keys. cmd/lio-odom reads
	// only Interval, the number of scans egress.PCDBatcher accumulates
	// per file; Enable is not read, the -pcd-dir flag turns the batcher on.
	PCDSave struct {
		Enable   bool `yaml:"pcd_save_en"`
		Interval int  `yaml:"interval"`
	} `yaml:"pcd_save"`
}

// Default returns the documented defaults from spec.md (T_max=4,
// τ_plane=0.1, K_match=5/K_min=3 live on the observation config,
// INIT_TIME lives on its consumer).
func Default() Config {
	var c Config
	c.MaxIteration = 4
	c.EstiPlaneThreshold = 0.1
	c.FilterSizeSurf = 0.5
	c.FilterSizeMap = 0.5
	c.CubeSideLength = 1000
	c.Mapping.DetRange = 100
	c.Mapping.GyrCov = 0.1
	c.Mapping.AccCov = 0.1
	c.Mapping.BGyrCov = 0.0001
	c.Mapping.BAccCov = 0.0001
	c.Mapping.ExtrinsicEstEn = false
	c.Mapping.ExtrinsicR = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	c.Preprocess.Blind = 0.5
	c.Preprocess.TimeScale = 1.0
	c.Preprocess.LidarType = AVIA
	c.Preprocess.ScanLine = 6
	c.PointFilterNum = 3
	c.IVoxGridResolution = 0.5
	c.IVoxNearbyType = 18
	c.Frames.BaseLink = "base_link"
	c.Frames.Lidar = "lidar"
	c.Frames.Global = "world"
	c.PCDSave.Enable = false
	c.PCDSave.Interval = -1
	return c
}

// Load parses YAML from r into a Config, validating every recognised
// key per the ConfigInvalid error class of spec.md §7: unknown keys,
// unknown enum values, or unparseable numbers fail loading. Keys absent
// from the document keep their Default() values; a missing key is not
// an error.
func Load(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks enum fields and value ranges that a parser alone
// cannot enforce.
func (c Config) Validate() error {
	if !c.Preprocess.LidarType.valid() {
		return fmt.Errorf("config: unrecognised preprocess/lidar_type %q", c.Preprocess.LidarType)
	}
	if !c.IVoxNearbyType.valid() {
		return fmt.Errorf("config: unrecognised ivox_nearby_type %d", c.IVoxNearbyType)
	}
	if c.MaxIteration <= 0 {
		return fmt.Errorf("config: max_iteration must be positive, got %d", c.MaxIteration)
	}
	if c.FilterSizeSurf <= 0 || c.FilterSizeMap <= 0 || c.IVoxGridResolution <= 0 {
		return fmt.Errorf("config: filter/grid resolutions must be positive")
	}
	return nil
}

// Marshal serialises c back to YAML. Load(Marshal(c)) must reproduce c
// byte-for-byte on a second Marshal (testable property #7).
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
