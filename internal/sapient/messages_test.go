package sapient

import (
	"strings"
	"testing"
	"time"
)

// TestParseSensorTaskMode checks that SensorTask XML with <mode>jam 5</mode>
// yields a task whose Mode == 5.
func TestParseSensorTaskMode(t *testing.T) {
	xmlDoc := `<SensorTask><sensorID>6</sensorID><taskID>1</taskID><command><mode>jam 5</mode></command></SensorTask>`
	in, err := Parse([]byte(xmlDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in.Task == nil {
		t.Fatalf("expected a Task, got nil")
	}
	if !in.Task.HasMode || in.Task.Mode != 5 {
		t.Fatalf("Task.Mode = %d (HasMode=%v), want 5", in.Task.Mode, in.Task.HasMode)
	}
	if in.Task.SensorID != 6 {
		t.Fatalf("Task.SensorID = %d, want 6", in.Task.SensorID)
	}
}

// TestParseSensorTaskNonJamMode checks that a mode string not prefixed by
// "jam " leaves HasMode false.
func TestParseSensorTaskNonJamMode(t *testing.T) {
	xmlDoc := `<SensorTask><sensorID>6</sensorID><command><mode>stop</mode></command></SensorTask>`
	in, err := Parse([]byte(xmlDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in.Task.HasMode {
		t.Fatalf("HasMode = true for non-jam mode text, got Mode=%d", in.Task.Mode)
	}
}

// TestParseSensorRegistrationAck checks dispatch on SensorRegistrationACK.
func TestParseSensorRegistrationAck(t *testing.T) {
	xmlDoc := `<SensorRegistrationACK><sensorID>42</sensorID></SensorRegistrationACK>`
	in, err := Parse([]byte(xmlDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in.RegistrationAck == nil || in.RegistrationAck.SensorID != 42 {
		t.Fatalf("RegistrationAck = %+v, want SensorID 42", in.RegistrationAck)
	}
}

// TestParseUnrecognisedRoot checks that an unknown root element yields a
// zero Inbound rather than an error.
func TestParseUnrecognisedRoot(t *testing.T) {
	in, err := Parse([]byte(`<SomethingElse/>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in.Task != nil || in.RegistrationAck != nil {
		t.Fatalf("expected empty Inbound for unrecognised root, got %+v", in)
	}
}

// TestParseEmptyBuffer checks that an empty message never panics the
// factory and produces an empty Inbound.
func TestParseEmptyBuffer(t *testing.T) {
	in, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if in.Task != nil || in.RegistrationAck != nil {
		t.Fatalf("expected empty Inbound for empty buffer, got %+v", in)
	}
}

// TestStatusReportInfoField: reportID==0 -> "New"; reportID>0 and
// changed==false -> "Unchanged"; changed==true -> "Additional".
func TestStatusReportInfoField(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		reportID int32
		changed  bool
		want     string
	}{
		{"first report", 0, false, "New"},
		{"steady state", 5, false, "Unchanged"},
		{"changed flag", 5, true, "Additional"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			report := NewStatusReport(6, c.reportID, c.changed, now)
			if report.Info != c.want {
				t.Fatalf("Info = %q, want %q", report.Info, c.want)
			}

			body, err := Encode(report)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !strings.Contains(string(body), "<info>"+c.want+"</info>") {
				t.Fatalf("encoded StatusReport missing <info>%s</info>: %s", c.want, body)
			}
		})
	}
}

// TestEncodeStripsTrailingNewline checks that trailing CR/LF are stripped
// before the terminator is appended.
func TestEncodeStripsTrailingNewline(t *testing.T) {
	report := NewStatusReport(6, 0, false, time.Now())
	body, err := Encode(report)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("empty encoded body")
	}
	last := body[len(body)-1]
	if last == '\r' || last == '\n' {
		t.Fatalf("encoded body ends with CR/LF: %q", body)
	}
	if !strings.HasPrefix(string(body), `<?xml version="1.0" encoding="utf-8"?>`) {
		t.Fatalf("encoded body missing XML declaration: %s", body)
	}
}

// TestSensorRegistrationShape checks the fixed registration document shape:
// sensorID set, two permanent mode definitions, jam carrying a
// frequency-band mode parameter that Default does not.
func TestSensorRegistrationShape(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	reg := NewSensorRegistration(6, now)

	if reg.SensorID == nil || *reg.SensorID != 6 {
		t.Fatalf("SensorID = %v, want pointer to 6", reg.SensorID)
	}
	if len(reg.ModeDefinitions) != 2 {
		t.Fatalf("ModeDefinitions has %d entries, want 2", len(reg.ModeDefinitions))
	}
	if reg.ModeDefinitions[0].ModeName != "Default" || reg.ModeDefinitions[0].ModeParameter != nil {
		t.Fatalf("Default mode definition unexpected: %+v", reg.ModeDefinitions[0])
	}
	if reg.ModeDefinitions[1].ModeName != "jam" || reg.ModeDefinitions[1].ModeParameter == nil {
		t.Fatalf("jam mode definition missing ModeParameter: %+v", reg.ModeDefinitions[1])
	}

	body, err := Encode(reg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(body), `<timestamp>2026-07-31T12:00:00Z</timestamp>`) {
		t.Fatalf("encoded registration missing expected timestamp: %s", body)
	}
}
