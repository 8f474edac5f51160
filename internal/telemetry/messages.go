package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"

	"airdata-ng/internal/airdata"
)

// Message IDs.
const (
	MsgBaroRaw byte = 0x01
	MsgAirData byte = 0x02
)

// AIR_DATA flag bits.
const (
	FlagAMSLBaroValid byte = 1 << 0
	FlagQNHSet        byte = 1 << 1
	FlagBaroHealthy   byte = 1 << 2
)

const (
	baroRawLen = 1 + 2*4
	airDataLen = 1 + 1 + 9*4
)

// BaroRaw is the raw pressure pair (Pa).
type BaroRaw struct {
	Pressure     float32
	Differential float32
}

// AirData is the derived air-data report.
type AirData struct {
	Flags        byte
	Pressure     float32 // Pa
	Differential float32 // Pa
	Temperature  float32 // degC
	QNH          float32 // hPa
	AMSLBaro     float32 // m
	Airspeed     float32 // TAS, m/s
	EAS          float32 // m/s
	TASFactor    float32
	AMSL         float32 // m, baro while valid, else vehicle altitude
}

func EncodeBaroRaw(pressure, differential float64) []byte {
	msg := make([]byte, baroRawLen)
	msg[0] = MsgBaroRaw
	putF32(msg[1:], pressure)
	putF32(msg[5:], differential)
	return msg
}

func DecodeBaroRaw(msg []byte) (BaroRaw, error) {
	if len(msg) != baroRawLen || msg[0] != MsgBaroRaw {
		return BaroRaw{}, fmt.Errorf("telemetry: not a BARO_RAW message")
	}
	return BaroRaw{Pressure: getF32(msg[1:]), Differential: getF32(msg[5:])}, nil
}

// EncodeAirData builds an AIR_DATA message from a module snapshot. The last
// field carries s.AMSL, so receivers get the fallback altitude while the
// barometer is stale.
func EncodeAirData(s airdata.Snapshot) []byte {
	msg := make([]byte, airDataLen)
	msg[0] = MsgAirData
	var flags byte
	if s.AMSLBaroValid {
		flags |= FlagAMSLBaroValid
	}
	if s.QNHSet {
		flags |= FlagQNHSet
	}
	if s.BaroHealthy {
		flags |= FlagBaroHealthy
	}
	msg[1] = flags
	for i, v := range []float64{
		s.Pressure, s.Differential, s.Temperature, s.QNH,
		s.AMSLBaro, s.Airspeed, s.EAS, s.TASFactor, s.AMSL,
	} {
		putF32(msg[2+4*i:], v)
	}
	return msg
}

func DecodeAirData(msg []byte) (AirData, error) {
	if len(msg) != airDataLen || msg[0] != MsgAirData {
		return AirData{}, fmt.Errorf("telemetry: not an AIR_DATA message")
	}
	f := func(i int) float32 { return getF32(msg[2+4*i:]) }
	return AirData{
		Flags:        msg[1],
		Pressure:     f(0),
		Differential: f(1),
		Temperature:  f(2),
		QNH:          f(3),
		AMSLBaro:     f(4),
		Airspeed:     f(5),
		EAS:          f(6),
		TASFactor:    f(7),
		AMSL:         f(8),
	}, nil
}

func putF32(b []byte, v float64) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
}

func getF32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
