// Package geofence computes the swing circle of an anchored vessel and the
// distance and bearing of the vessel relative to its anchor.
package geofence

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/utils"
)

const (
	// metersPerDegLat is the length of one degree of latitude
	metersPerDegLat = 110540.0
	// metersPerDegLon is the length of one degree of longitude at the equator
	metersPerDegLon = 111320.0
)

// ErrInvalidConfig is wrapped by every ConfigError
var ErrInvalidConfig = errors.New("invalid anchor watch config")

// ConfigError reports which field of an AnchorWatchConfig is unusable
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// catenaryFactor is the horizontal share of the rode reach left after sag
func catenaryFactor(t models.RodeType) float64 {
	switch t {
	case models.RodeRope:
		return 0.95
	case models.RodeMixed:
		return 0.90
	default:
		return 0.85
	}
}

// ParseRodeType maps "chain", "rope" or "mixed" to a RodeType
func ParseRodeType(s string) (models.RodeType, error) {
	switch models.RodeType(strings.ToLower(strings.TrimSpace(s))) {
	case models.RodeChain:
		return models.RodeChain, nil
	case models.RodeRope:
		return models.RodeRope, nil
	case models.RodeMixed:
		return models.RodeMixed, nil
	}
	return "", &ConfigError{Field: "rodeType", Message: fmt.Sprintf("unknown rode type %q", s)}
}

// Validate checks the invariants of cfg. A rode shorter than the water depth
// is rejected rather than clamped.
func Validate(cfg models.AnchorWatchConfig) error {
	switch {
	case !utils.IsFinite(cfg.RodeLength) || cfg.RodeLength <= 0:
		return &ConfigError{Field: "rodeLength", Message: "must be a positive number"}
	case !utils.IsFinite(cfg.WaterDepth) || cfg.WaterDepth <= 0:
		return &ConfigError{Field: "waterDepth", Message: "must be a positive number"}
	case cfg.RodeLength < cfg.WaterDepth:
		return &ConfigError{Field: "rodeLength", Message: fmt.Sprintf("%.1fm of rode cannot reach the bottom at %.1fm", cfg.RodeLength, cfg.WaterDepth)}
	case !utils.IsFinite(cfg.SafetyMarginMeters) || cfg.SafetyMarginMeters < 0:
		return &ConfigError{Field: "safetyMarginMeters", Message: "must be zero or positive"}
	}
	if _, err := ParseRodeType(string(cfg.RodeType)); err != nil {
		return err
	}
	return nil
}

// NewConfig builds a validated config with ScopeRatio filled in
func NewConfig(rodeLength, waterDepth float64, rodeType models.RodeType, margin float64) (models.AnchorWatchConfig, error) {
	cfg := models.AnchorWatchConfig{
		RodeLength:         rodeLength,
		WaterDepth:         waterDepth,
		RodeType:           rodeType,
		SafetyMarginMeters: margin,
	}
	if err := Validate(cfg); err != nil {
		return models.AnchorWatchConfig{}, err
	}
	cfg.RodeType, _ = ParseRodeType(string(rodeType))
	cfg.ScopeRatio = rodeLength / waterDepth
	return cfg, nil
}

// SwingRadius returns the radius in meters the vessel may swing through
// around the anchor without being considered dragging.
func SwingRadius(cfg models.AnchorWatchConfig) float64 {
	reach := math.Sqrt(math.Max(0, cfg.RodeLength*cfg.RodeLength-cfg.WaterDepth*cfg.WaterDepth))
	return reach*catenaryFactor(cfg.RodeType) + cfg.SafetyMarginMeters
}

// offset returns the east and north displacement in meters from a to b,
// projected at a's latitude.
func offset(a, b models.Position) (dx, dy float64) {
	dx = (b.Longitude - a.Longitude) * metersPerDegLon * math.Cos(a.Latitude*math.Pi/180)
	dy = (b.Latitude - a.Latitude) * metersPerDegLat
	return dx, dy
}

// Distance returns the equirectangular distance in meters between the anchor
// and p. Accurate to well under a meter at swing-circle scale.
func Distance(anchor, p models.Position) float64 {
	dx, dy := offset(anchor, p)
	return math.Hypot(dx, dy)
}

// BearingToAnchor is the direction the vessel has to steer to reach the anchor
func BearingToAnchor(anchor, vessel models.Position) float64 {
	// project at the anchor latitude so distance and bearing agree
	dx, dy := offset(anchor, vessel)
	return normalize(math.Atan2(-dx, -dy) * 180 / math.Pi)
}

var cardinals = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Cardinal names the 8-point compass direction of bearing
func Cardinal(bearing float64) string {
	idx := int(math.Round(normalize(bearing)/45)) % 8
	return cardinals[idx]
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
