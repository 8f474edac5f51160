package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AirData     AirDataConfig     `yaml:"airdata"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	Sim         SimConfig         `yaml:"sim"`
	GPS         GPSConfig         `yaml:"gps"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Web         WebConfig         `yaml:"web"`
	Annunciator AnnunciatorConfig `yaml:"annunciator"`
}

// AirDataConfig binds the air-data module. Source IDs of 255 accept any sensor.
type AirDataConfig struct {
	BaroAbsID     *int `yaml:"baro_abs_id"`
	BaroDiffID    *int `yaml:"baro_diff_id"`
	TemperatureID *int `yaml:"temperature_id"`

	// Pointers so that an omitted key keeps the default rather than false.
	CalcAirspeed  *bool `yaml:"calc_airspeed"`
	CalcTASFactor *bool `yaml:"calc_tas_factor"`
	CalcAMSLBaro  *bool `yaml:"calc_amsl_baro"`

	TASFactor   float64 `yaml:"tas_factor"`
	HealthTicks int     `yaml:"health_ticks"`

	// PeriodicInterval is the watchdog tick period.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	// QueueLen bounds the driver->control loop sample queue.
	QueueLen int `yaml:"queue_len"`
	// MaxFixAge is how long a position fix stays usable for calibration.
	MaxFixAge time.Duration `yaml:"max_fix_age"`
}

type SensorsConfig struct {
	// Source selects where samples come from: "i2c" (BMP280 + MS4525DO) or "sim".
	Source string `yaml:"source"`

	I2CBus    int `yaml:"i2c_bus"`
	BaroAddr  int `yaml:"baro_addr"`
	PitotAddr int `yaml:"pitot_addr"`

	// PitotRangePSI is the full-scale range of the differential sensor (+/-).
	PitotRangePSI float64 `yaml:"pitot_range_psi"`
	PitotEnable   *bool   `yaml:"pitot_enable"`
	// PitotOffsetPa is the zero reading of the pitot sensor, subtracted from
	// every sample.
	PitotOffsetPa float64 `yaml:"pitot_offset_pa"`

	BaroInterval  time.Duration `yaml:"baro_interval"`
	PitotInterval time.Duration `yaml:"pitot_interval"`

	BaroID  int `yaml:"baro_id"`
	PitotID int `yaml:"pitot_id"`
}

type SimConfig struct {
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	AltM         float64       `yaml:"alt_m"`
	AltAmpM      float64       `yaml:"alt_amp_m"`
	AirspeedMps  float64       `yaml:"airspeed_mps"`
	QNHHpa       float64       `yaml:"qnh_hpa"`
	TempOffsetC  float64       `yaml:"temp_offset_c"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`
	FixDelay     time.Duration `yaml:"fix_delay"`
	BaroDropout  time.Duration `yaml:"baro_dropout"`
}

type GPSConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type TelemetryConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
	// BaroRawInterval is the BARO_RAW report period.
	BaroRawInterval time.Duration `yaml:"baro_raw_interval"`
	// AirDataInterval is the AIR_DATA report period.
	AirDataInterval time.Duration `yaml:"air_data_interval"`
	// RecordPath, when set, appends every sent frame to a replay log.
	RecordPath string `yaml:"record_path"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// StreamInterval is the websocket snapshot period.
	StreamInterval time.Duration `yaml:"stream_interval"`
	LogLines       int           `yaml:"log_lines"`
}

type AnnunciatorConfig struct {
	Enable bool `yaml:"enable"`
	// Pin is BCM GPIO numbering.
	Pin int `yaml:"pin"`
	// BlinkInterval is the lamp half period while altitude is not usable.
	BlinkInterval time.Duration `yaml:"blink_interval"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }

// DefaultAndValidate fills in defaults and rejects inconsistent settings.
// It is idempotent.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	ad := &cfg.AirData
	if ad.BaroAbsID == nil {
		ad.BaroAbsID = intPtr(255)
	}
	if ad.BaroDiffID == nil {
		ad.BaroDiffID = intPtr(255)
	}
	if ad.TemperatureID == nil {
		ad.TemperatureID = intPtr(255)
	}
	ids := []struct {
		name string
		id   int
	}{
		{"airdata.baro_abs_id", *ad.BaroAbsID},
		{"airdata.baro_diff_id", *ad.BaroDiffID},
		{"airdata.temperature_id", *ad.TemperatureID},
	}
	for _, b := range ids {
		if b.id < 0 || b.id > 255 {
			return fmt.Errorf("%s must be in [0,255]", b.name)
		}
	}
	if ad.CalcAirspeed == nil {
		ad.CalcAirspeed = boolPtr(true)
	}
	if ad.CalcTASFactor == nil {
		ad.CalcTASFactor = boolPtr(true)
	}
	if ad.CalcAMSLBaro == nil {
		ad.CalcAMSLBaro = boolPtr(false)
	}
	if ad.TASFactor == 0 {
		ad.TASFactor = 1.0
	}
	if ad.TASFactor < 0 {
		return fmt.Errorf("airdata.tas_factor must be > 0")
	}
	if ad.HealthTicks == 0 {
		ad.HealthTicks = 10
	}
	if ad.HealthTicks < 0 || ad.HealthTicks > 255 {
		return fmt.Errorf("airdata.health_ticks must be in [1,255]")
	}
	if ad.PeriodicInterval <= 0 {
		ad.PeriodicInterval = 100 * time.Millisecond
	}
	if ad.QueueLen <= 0 {
		ad.QueueLen = 64
	}
	if ad.MaxFixAge <= 0 {
		ad.MaxFixAge = 3 * time.Second
	}

	s := &cfg.Sensors
	s.Source = strings.ToLower(strings.TrimSpace(s.Source))
	if s.Source == "" {
		s.Source = "i2c"
	}
	if s.Source != "i2c" && s.Source != "sim" {
		return fmt.Errorf("sensors.source must be 'i2c' or 'sim'")
	}
	if s.I2CBus == 0 {
		s.I2CBus = 1
	}
	if s.BaroAddr == 0 {
		s.BaroAddr = 0x77
	}
	if s.PitotAddr == 0 {
		s.PitotAddr = 0x28
	}
	if s.BaroAddr < 0 || s.BaroAddr > 0x7F || s.PitotAddr < 0 || s.PitotAddr > 0x7F {
		return fmt.Errorf("sensors i2c addresses must be 7-bit")
	}
	if s.PitotRangePSI == 0 {
		s.PitotRangePSI = 1.0
	}
	if s.PitotRangePSI < 0 {
		return fmt.Errorf("sensors.pitot_range_psi must be > 0")
	}
	if s.PitotEnable == nil {
		s.PitotEnable = boolPtr(true)
	}
	if s.BaroInterval <= 0 {
		s.BaroInterval = 50 * time.Millisecond
	}
	if s.PitotInterval <= 0 {
		s.PitotInterval = 20 * time.Millisecond
	}
	if s.BaroID == 0 {
		s.BaroID = 1
	}
	if s.PitotID == 0 {
		s.PitotID = 2
	}
	if s.BaroID == 255 || s.PitotID == 255 {
		return fmt.Errorf("sensors source ids must not be 255 (reserved for broadcast)")
	}
	if s.BaroID < 0 || s.BaroID > 254 || s.PitotID < 0 || s.PitotID > 254 {
		return fmt.Errorf("sensors source ids must be in [1,254]")
	}
	if s.BaroID == s.PitotID {
		return fmt.Errorf("sensors.baro_id and sensors.pitot_id must differ")
	}

	// Simulator defaults (safe even if unused).
	if cfg.Sim.AltM == 0 {
		cfg.Sim.AltM = 500
	}
	if cfg.Sim.AltAmpM == 0 {
		cfg.Sim.AltAmpM = 100
	}
	if cfg.Sim.AirspeedMps == 0 {
		cfg.Sim.AirspeedMps = 25
	}
	if cfg.Sim.QNHHpa == 0 {
		cfg.Sim.QNHHpa = 1013.25
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 120 * time.Second
	}
	if cfg.Sim.Interval <= 0 {
		cfg.Sim.Interval = 50 * time.Millisecond
	}
	if cfg.Sim.FixDelay < 0 {
		return fmt.Errorf("sim.fix_delay must be >= 0")
	}

	if cfg.GPS.Enable && cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}

	if cfg.Telemetry.Enable && strings.TrimSpace(cfg.Telemetry.Dest) == "" {
		return fmt.Errorf("telemetry.dest is required when telemetry.enable is true")
	}
	if cfg.Telemetry.BaroRawInterval <= 0 {
		cfg.Telemetry.BaroRawInterval = 1 * time.Second
	}
	if cfg.Telemetry.AirDataInterval <= 0 {
		cfg.Telemetry.AirDataInterval = 200 * time.Millisecond
	}
	cfg.Telemetry.RecordPath = strings.TrimSpace(cfg.Telemetry.RecordPath)
	if cfg.Telemetry.RecordPath != "" && !cfg.Telemetry.Enable {
		return fmt.Errorf("telemetry.record_path requires telemetry.enable")
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.StreamInterval <= 0 {
		cfg.Web.StreamInterval = 250 * time.Millisecond
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	if cfg.Annunciator.Enable && cfg.Annunciator.Pin <= 0 {
		return fmt.Errorf("annunciator.pin is required when annunciator.enable is true")
	}
	if cfg.Annunciator.BlinkInterval <= 0 {
		cfg.Annunciator.BlinkInterval = 250 * time.Millisecond
	}

	return nil
}
