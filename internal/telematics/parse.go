package telematics

import (
	"strconv"
	"strings"
	"time"
)

// EventTimeLayout is the wire format of device event timestamps.
const EventTimeLayout = "02/01/2006 15:04:05"

// ParseEventTime parses a DD/MM/YYYY HH:MM:SS device timestamp. Device
// clocks report local wall time without a zone, so it is interpreted as
// server-local time, which is what the technician compares against.
func ParseEventTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(EventTimeLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseCoordinates parses latitude/longitude strings and reports whether
// they describe a plausible fix: both numeric, within range, and not a
// near-origin null-island reading.
func ParseCoordinates(latRaw, lonRaw string) (lat, lon float64, ok bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	if abs(lat) < nearZeroThreshold && abs(lon) < nearZeroThreshold {
		return 0, 0, false
	}
	return lat, lon, true
}

// nearZeroThreshold rejects fixes where the device reported no real GPS
// solution and defaulted to (0,0) with sub-degree noise.
const nearZeroThreshold = 0.01

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
