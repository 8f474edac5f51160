package gps

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type nmeaSentence struct {
	Type string
	// Fields is the comma-split NMEA payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GNxxx/GPxxx etc. normalize to the last 3 chars.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// nmeaState accumulates RMC and GGA into one position estimate. A fix is
// only usable for air data when it carries an altitude, so valid requires
// GGA with a non-zero fix quality.
type nmeaState struct {
	device string
	baud   int

	latDeg float64
	lonDeg float64
	latOK  bool
	lonOK  bool

	groundKt float64
	gsOK     bool
	trackDeg float64
	trkOK    bool

	// altM is height above mean sea level (geoid), as GGA reports it.
	altM  float64
	altOK bool

	fixQuality int
	satellites int
	satsOK     bool
	hdop       float64
	hdopOK     bool

	rmcActive bool
	ggaFix    bool

	lastFix time.Time
}

func (s *nmeaState) valid() bool {
	return s.ggaFix && s.rmcActive && s.latOK && s.lonOK && s.altOK
}

// apply folds one sentence in and reports whether the position estimate changed.
func (s *nmeaState) apply(nowUTC time.Time, sent nmeaSentence) bool {
	var changed bool
	switch sent.Type {
	case "RMC":
		changed = s.applyRMC(sent.Fields)
	case "GGA":
		changed = s.applyGGA(sent.Fields)
	default:
		return false
	}
	if changed && s.valid() {
		s.lastFix = nowUTC
	}
	return changed
}

func (s *nmeaState) snapshot() Snapshot {
	out := Snapshot{
		Enabled:    true,
		Valid:      s.valid(),
		Device:     s.device,
		Baud:       s.baud,
		LatDeg:     s.latDeg,
		LonDeg:     s.lonDeg,
		AltM:       s.altM,
		FixQuality: s.fixQuality,
	}
	if s.gsOK {
		v := int(math.Round(s.groundKt))
		out.GroundKt = &v
	}
	if s.trkOK {
		v := s.trackDeg
		out.TrackDeg = &v
	}
	if s.satsOK {
		v := s.satellites
		out.Satellites = &v
	}
	if s.hdopOK {
		v := s.hdop
		out.HDOP = &v
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *nmeaState) applyRMC(f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// Void: the receiver lost its fix.
		was := s.rmcActive
		s.rmcActive = false
		return was
	}
	s.rmcActive = true

	if lat, ok := parseNMEALatLon(f[3], f[4]); ok {
		s.latDeg, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[5], f[6]); ok {
		s.lonDeg, s.lonOK = lon, true
	}
	if gs, ok := parseFloat(f[7]); ok {
		s.groundKt, s.gsOK = gs, true
	}
	if trk, ok := parseFloat(f[8]); ok {
		s.trackDeg = math.Mod(trk+360.0, 360.0)
		s.trkOK = true
	}
	return s.latOK && s.lonOK
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters above mean sea level)
//	10: units (M)
func (s *nmeaState) applyGGA(f []string) bool {
	if len(f) < 11 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil || q == 0 {
		was := s.ggaFix
		s.ggaFix = false
		s.fixQuality = 0
		return was
	}
	s.fixQuality = q
	s.ggaFix = true

	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites, s.satsOK = sats, true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
	if lat, ok := parseNMEALatLon(f[2], f[3]); ok {
		s.latDeg, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[4], f[5]); ok {
		s.lonDeg, s.lonOK = lon, true
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.altM, s.altOK = alt, true
	}
	return true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (lat) or dddmm.mmmm (lon) plus hemisphere.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are whole minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
