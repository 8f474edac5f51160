// Package isa implements the International Standard Atmosphere relations used to
// turn static pressure into altitude and back.
//
// All functions are pure. Pressures are in Pa, heights in m, temperatures in K
// unless the name says otherwise.
package isa

import "math"

const (
	// SeaLevelPressure is the ISA pressure at mean sea level (Pa).
	SeaLevelPressure = 101325.0
	// SeaLevelTemp is the ISA temperature at mean sea level (K).
	SeaLevelTemp = 288.15
	// TempLapseRate is the tropospheric temperature gradient (K/m).
	TempLapseRate = 0.0065
	// Gravity is standard gravitational acceleration (m/s^2).
	Gravity = 9.80665
	// GasConstant is the specific gas constant of dry air (J/(kg K)).
	GasConstant = 287.0531
	// AirDensity is the ISA air density at mean sea level (kg/m^3).
	AirDensity = 1.225

	// CelsiusToKelvin is the exact offset between the two scales.
	CelsiusToKelvin = 273.15
)

// HeightOfPressure returns the height (m) above the level where the pressure is
// refPressure, using the full barometric formula.
//
// Returns 0 when either pressure is not positive.
func HeightOfPressure(pressure, refPressure float64) float64 {
	if pressure <= 0 || refPressure <= 0 {
		return 0
	}
	invExpo := GasConstant * TempLapseRate / Gravity
	prel := pressure / refPressure
	return (1 - math.Pow(prel, invExpo)) * SeaLevelTemp / TempLapseRate
}

// RefPressureOfHeight returns the reference (sea level) pressure that makes the
// measured pressure correspond to the given height. This is how QNH is derived
// from a baro sample and a known altitude.
func RefPressureOfHeight(pressure, height float64) float64 {
	expo := Gravity / TempLapseRate / GasConstant
	ratio := (SeaLevelTemp - TempLapseRate*height) / SeaLevelTemp
	return pressure / math.Pow(ratio, expo)
}

// PressureOfHeight is the inverse of HeightOfPressure.
func PressureOfHeight(height, refPressure float64) float64 {
	expo := Gravity / TempLapseRate / GasConstant
	ratio := (SeaLevelTemp - TempLapseRate*height) / SeaLevelTemp
	return refPressure * math.Pow(ratio, expo)
}

// TemperatureOfHeight returns the ISA temperature (K) at a height (m) in the
// troposphere.
func TemperatureOfHeight(height float64) float64 {
	return SeaLevelTemp - TempLapseRate*height
}

// DensityOfPressure returns air density (kg/m^3) from pressure (Pa) and
// temperature (K) using the ideal gas law.
func DensityOfPressure(pressure, tempK float64) float64 {
	if tempK <= 0 {
		return 0
	}
	return pressure / (GasConstant * tempK)
}
