// Package export forwards meter readings to external sinks.
package export

import (
	"github.com/mjasion/meterlink/reading"
)

type metric struct {
	name  string
	help  string
	value func(r reading.Reading) float64
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// readingMetrics is shared by every exporter so the names agree.
var readingMetrics = []metric{
	{"meterlink_active_energy_kwh", "Accumulated active energy.", func(r reading.Reading) float64 { return r.ActiveEnergy }},
	{"meterlink_reactive_energy_kvarh", "Accumulated reactive energy.", func(r reading.Reading) float64 { return r.ReactiveEnergy }},
	{"meterlink_voltage_volts", "Line voltage.", func(r reading.Reading) float64 { return r.Voltage }},
	{"meterlink_current_amperes", "Line current.", func(r reading.Reading) float64 { return r.Current }},
	{"meterlink_power_factor", "Power factor.", func(r reading.Reading) float64 { return r.PowerFactor }},
	{"meterlink_frequency_hertz", "Line frequency.", func(r reading.Reading) float64 { return r.Frequency }},
	{"meterlink_active_power_watts", "Active power.", func(r reading.Reading) float64 { return r.ActivePower }},
	{"meterlink_reactive_power_var", "Reactive power.", func(r reading.Reading) float64 { return r.ReactivePower }},
	{"meterlink_phase_angle_degrees", "Phase angle between voltage and current.", func(r reading.Reading) float64 { return r.PhaseAngle }},
	{"meterlink_output_on", "Relay output state (1=on, 0=off).", func(r reading.Reading) float64 { return boolValue(r.Output) }},
	{"meterlink_tamper", "Tamper alert (1=active).", func(r reading.Reading) float64 { return boolValue(r.Tamper) }},
}
