package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainsMatchesSubstring(t *testing.T) {
	require.True(t, contains("coretemp_package_id_0", "coretemp"))
	require.True(t, contains("cpu_thermal_zone0", "thermal"))
	require.False(t, contains("nvme_composite", "coretemp"))
	require.True(t, contains("anything", ""))
}

func TestIndexOfFindsFirstOccurrence(t *testing.T) {
	require.Equal(t, 0, indexOf("coretemp", "core"))
	require.Equal(t, 4, indexOf("corecoretemp", "coretemp"))
	require.Equal(t, -1, indexOf("coretemp", "missing"))
}

func TestStaticReaderReturnsFixedValues(t *testing.T) {
	r := StaticReader{TempC: 42, OK: true}
	temp, ok := r.ReadCPUTemperature()
	require.Equal(t, 42.0, temp)
	require.True(t, ok)
}
