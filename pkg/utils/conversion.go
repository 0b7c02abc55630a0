package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const metersPerFoot = 0.3048

// MetersToFeet converts meters to feet
func MetersToFeet(m float64) float64 {
	return m / metersPerFoot
}

// FeetToMeters converts feet to meters
func FeetToMeters(ft float64) float64 {
	return ft * metersPerFoot
}

// IsFinite reports whether v is neither NaN nor infinite
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FormatFloat formats value with at most precision decimals, trimming zeros
func FormatFloat(value float64, precision int) string {
	format := "%." + strconv.Itoa(precision) + "f"
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf(format, value), "0"), ".")
}
