// Package reading turns raw meter payloads into canonical readings.
package reading

import (
	"time"

	"github.com/mjasion/meterlink/device"
)

// Reading is one normalised telemetry sample. Numeric fields are always
// finite and rounded to two decimals.
type Reading struct {
	ActiveEnergy   float64 `json:"activeEnergy"`
	ReactiveEnergy float64 `json:"reactiveEnergy"`
	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
	PowerFactor    float64 `json:"powerFactor"`
	Frequency      float64 `json:"frequency"`
	ActivePower    float64 `json:"activePower"`
	ReactivePower  float64 `json:"reactivePower"`
	PhaseAngle     float64 `json:"phaseAngle"`

	Output bool `json:"output"`
	Tamper bool `json:"tamper"`
	// Access is the device's own view of the session, nil when the payload
	// does not carry it.
	Access *bool `json:"access,omitempty"`

	Serial     string `json:"serial"`
	DeviceTime string `json:"deviceTime,omitempty"`
	TamperTime string `json:"tamperTime,omitempty"`

	CapturedAt time.Time     `json:"capturedAt"`
	Family     device.Family `json:"family"`
}

// UnknownSerial is reported when the payload carries no serial number.
const UnknownSerial = "UNKNOWN"

// Field names a numeric reading field.
type Field string

const (
	ActiveEnergy   Field = "activeEnergy"
	ReactiveEnergy Field = "reactiveEnergy"
	Voltage        Field = "voltage"
	Current        Field = "current"
	PowerFactor    Field = "powerFactor"
	Frequency      Field = "frequency"
	ActivePower    Field = "activePower"
	ReactivePower  Field = "reactivePower"
	PhaseAngle     Field = "phaseAngle"
)

// Fields lists every numeric field.
var Fields = []Field{
	ActiveEnergy, ReactiveEnergy, Voltage, Current, PowerFactor,
	Frequency, ActivePower, ReactivePower, PhaseAngle,
}

// Flag names a boolean reading field.
type Flag string

const (
	Output Flag = "output"
	Tamper Flag = "tamper"
	Access Flag = "access"
)

// Flags lists every boolean field.
var Flags = []Flag{Output, Tamper, Access}

// TextField names a string reading field.
type TextField string

const (
	Serial     TextField = "serial"
	DeviceTime TextField = "deviceTime"
	TamperTime TextField = "tamperTime"
)

// TextFields lists every string field.
var TextFields = []TextField{Serial, DeviceTime, TamperTime}

func (r *Reading) numeric(f Field) *float64 {
	switch f {
	case ActiveEnergy:
		return &r.ActiveEnergy
	case ReactiveEnergy:
		return &r.ReactiveEnergy
	case Voltage:
		return &r.Voltage
	case Current:
		return &r.Current
	case PowerFactor:
		return &r.PowerFactor
	case Frequency:
		return &r.Frequency
	case ActivePower:
		return &r.ActivePower
	case ReactivePower:
		return &r.ReactivePower
	case PhaseAngle:
		return &r.PhaseAngle
	}
	return nil
}

func (r *Reading) text(f TextField) *string {
	switch f {
	case Serial:
		return &r.Serial
	case DeviceTime:
		return &r.DeviceTime
	case TamperTime:
		return &r.TamperTime
	}
	return nil
}

// Value returns the numeric field f.
func (r Reading) Value(f Field) float64 {
	if p := r.numeric(f); p != nil {
		return *p
	}
	return 0
}
