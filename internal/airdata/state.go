package airdata

// State is the air-data record. It is owned by a Module and only mutated by
// its handlers, the watchdog and SetQNH.
type State struct {
	Pressure     float64 // Pa, latest absolute pressure sample
	Differential float64 // Pa, latest differential pressure sample
	Temperature  float64 // degrees C, latest temperature sample

	QNH           float64 // hPa
	AMSLBaro      float64 // m
	AMSLBaroValid bool

	Airspeed  float64 // m/s, true airspeed
	TASFactor float64

	CalcAirspeed  bool
	CalcTASFactor bool
	CalcAMSLBaro  bool
	CalcQNHOnce   bool
}

// Snapshot is a copy of the state plus the module's internal bookkeeping,
// published for readers on other goroutines.
type Snapshot struct {
	Pressure     float64 `json:"pressure_pa"`
	Differential float64 `json:"differential_pa"`
	Temperature  float64 `json:"temperature_c"`

	QNH           float64 `json:"qnh_hpa"`
	QNHSet        bool    `json:"qnh_set"`
	AMSLBaro      float64 `json:"amsl_baro_m"`
	AMSLBaroValid bool    `json:"amsl_baro_valid"`
	// AMSL is the altitude consumers should use: AMSLBaro while valid,
	// otherwise the vehicle altitude.
	AMSL          float64 `json:"amsl_m"`

	EAS       float64 `json:"eas_mps"`
	Airspeed  float64 `json:"airspeed_mps"`
	TASFactor float64 `json:"tas_factor"`

	CalcAirspeed  bool `json:"calc_airspeed"`
	CalcTASFactor bool `json:"calc_tas_factor"`
	CalcAMSLBaro  bool `json:"calc_amsl_baro"`
	CalcQNHOnce   bool `json:"calc_qnh_once"`

	HealthCounter uint8 `json:"health_counter"`
	BaroHealthy   bool  `json:"baro_healthy"`

	PressureSamples     uint64 `json:"pressure_samples"`
	DifferentialSamples uint64 `json:"differential_samples"`
	TemperatureSamples  uint64 `json:"temperature_samples"`
}
