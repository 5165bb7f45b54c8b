// Package clock isolates the one platform-specific capability the
// design notes call out explicitly: reading the CPU temperature.
// Concrete probes (hardware sensor, OS thermal-zone query, or a safe
// fallback) live behind ReadCPUTemperature so the Governor never
// needs a build-tag per platform.
package clock

import (
	"github.com/shirou/gopsutil/v3/host"
)

// FallbackTempC is returned when no sensor is available, chosen low
// enough to never trip a false Critical shutdown (spec §4.4).
const FallbackTempC = 60.0

// Reader reads the current CPU package temperature.
type Reader interface {
	ReadCPUTemperature() (celsius float64, ok bool)
}

// SensorReader reads from gopsutil's host.SensorsTemperatures, which
// wraps the hardware sensor on Linux and the OS thermal-zone query on
// other platforms.
type SensorReader struct {
	// PreferredSensor, if set, is matched as a substring against
	// sensor keys (e.g. "coretemp", "cpu_thermal") before falling
	// back to the highest reading available.
	PreferredSensor string
}

// NewSensorReader returns a Reader backed by gopsutil.
func NewSensorReader(preferred string) *SensorReader {
	return &SensorReader{PreferredSensor: preferred}
}

// ReadCPUTemperature returns the current CPU temperature in Celsius.
// ok is false only when no sensor could be read at all, in which case
// the Governor must use FallbackTempC rather than treat it as an
// error (spec §4.4: "if unavailable, assume 60 °C to avoid false
// shutdowns").
func (s *SensorReader) ReadCPUTemperature() (float64, bool) {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		return FallbackTempC, false
	}

	if s.PreferredSensor != "" {
		for _, t := range temps {
			if contains(t.SensorKey, s.PreferredSensor) {
				return t.Temperature, true
			}
		}
	}

	// No preferred match: take the highest reading, which for
	// multi-sensor boards is usually the package/core temperature
	// rather than an ambient or disk sensor.
	best := temps[0].Temperature
	for _, t := range temps[1:] {
		if t.Temperature > best {
			best = t.Temperature
		}
	}
	return best, true
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// StaticReader is a fixed-value Reader for tests.
type StaticReader struct {
	TempC float64
	OK    bool
}

func (s StaticReader) ReadCPUTemperature() (float64, bool) { return s.TempC, s.OK }

var _ Reader = (*SensorReader)(nil)
var _ Reader = StaticReader{}
