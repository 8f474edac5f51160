package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"airdata-ng/internal/replay"
	"airdata-ng/internal/telemetry"
)

type logSummary struct {
	Segments    int
	Frames      int
	Invalid     int
	BadCRC      int
	MaxDuration time.Duration
	MsgIDCounts map[byte]int

	LastAirData    telemetry.AirData
	HasLastAirData bool
}

func summarizeFrameLog(records []replay.Record) logSummary {
	s := logSummary{MsgIDCounts: map[byte]int{}}
	if len(records) == 0 {
		return s
	}

	origin := time.Duration(0)
	hasFrames := false
	segments := 0

	for _, r := range records {
		if r.Frame == nil {
			segments++
			origin = r.At
			continue
		}
		hasFrames = true

		s.Frames++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		msg, crcOK, err := telemetry.Unframe(r.Frame)
		if err != nil || len(msg) == 0 {
			s.Invalid++
			continue
		}
		if !crcOK {
			s.BadCRC++
			continue
		}
		s.MsgIDCounts[msg[0]]++
		if msg[0] == telemetry.MsgAirData {
			if ad, err := telemetry.DecodeAirData(msg); err == nil {
				s.LastAirData = ad
				s.HasLastAirData = true
			}
		}
	}
	if segments == 0 && hasFrames {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.ReadAll(f)
	if err != nil {
		return err
	}

	s := summarizeFrameLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "frames: %d\n", s.Frames)
	fmt.Fprintf(w, "invalid_frames: %d\n", s.Invalid)
	fmt.Fprintf(w, "bad_crc: %d\n", s.BadCRC)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	keys := make([]int, 0, len(s.MsgIDCounts))
	for k := range s.MsgIDCounts {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	fmt.Fprintf(w, "msg_id_counts:\n")
	for _, k := range keys {
		b := byte(k)
		fmt.Fprintf(w, "  0x%02X: %d\n", b, s.MsgIDCounts[b])
	}
	if s.HasLastAirData {
		ad := s.LastAirData
		fmt.Fprintf(w, "last_air_data: airspeed=%.2f tas_factor=%.4f qnh=%.2f amsl=%.1f amsl_baro=%.1f flags=0x%02X\n",
			ad.Airspeed, ad.TASFactor, ad.QNH, ad.AMSL, ad.AMSLBaro, ad.Flags)
	}
	return nil
}
