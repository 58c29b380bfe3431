// Package sapient implements the upstream session: a TCP client that
// registers with the SDA, heartbeats, parses inbound XML tasks, and
// publishes decoded mode bits into the mode arbiter.
package sapient

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultSensorType = "Sky Net Longbow"

// timestamp renders an ISO-8601 UTC instant with second precision.
func timestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z")
}

// heartbeatInterval is a single attributed leaf, matching
// <heartbeatInterval units="seconds" value="10"/>.
type heartbeatInterval struct {
	Units string `xml:"units,attr"`
	Value int    `xml:"value,attr"`
}

type settleTime struct {
	Units string `xml:"units,attr"`
	Value int    `xml:"value,attr"`
}

// locationDef matches <locationType units=".." datum=".." zone=".." north="..">GPS</locationType>.
type locationDef struct {
	Text  string `xml:",chardata"`
	Units string `xml:"units,attr"`
	Datum string `xml:"datum,attr"`
	Zone  string `xml:"zone,attr"`
	North string `xml:"north,attr"`
}

type detectionDefinition struct {
	LocationType locationDef `xml:"locationType"`
}

type modeParameter struct {
	Type  string `xml:"type,attr"`
	Value string `xml:"value,attr"`
}

// modeDefinition models one <modeDefinition type="Permanent"> block. The
// "jam" block carries an extra <modeParameter>; "Default" does not, so
// ModeParameter is a pointer and omitted when nil.
type modeDefinition struct {
	Type                string              `xml:"type,attr"`
	ModeName            string              `xml:"modeName"`
	SettleTime          settleTime          `xml:"settleTime"`
	ModeParameter       *modeParameter      `xml:"modeParameter,omitempty"`
	DetectionDefinition detectionDefinition `xml:"detectionDefinition"`
	TaskDefinition      struct{}            `xml:"taskDefinition"`
}

// SensorRegistration is the outbound registration message.
type SensorRegistration struct {
	XMLName             xml.Name `xml:"SensorRegistration"`
	Timestamp           string   `xml:"timestamp"`
	SensorID            *int32   `xml:"sensorID,omitempty"`
	SensorType          string   `xml:"sensorType"`
	HeartbeatDefinition struct {
		HeartbeatInterval heartbeatInterval `xml:"heartbeatInterval"`
	} `xml:"heartbeatDefinition"`
	ModeDefinitions []modeDefinition `xml:"modeDefinition"`
}

// NewSensorRegistration builds the fixed two-mode registration document the
// session sends once per connection, with the sensor ID always set.
func NewSensorRegistration(sensorID int32, now time.Time) SensorRegistration {
	id := sensorID
	reg := SensorRegistration{
		Timestamp:  timestamp(now),
		SensorID:   &id,
		SensorType: defaultSensorType,
	}
	reg.HeartbeatDefinition.HeartbeatInterval = heartbeatInterval{Units: "seconds", Value: 10}

	gps := func() locationDef {
		return locationDef{Text: "GPS", Units: "decimal degrees-metres", Datum: "WGS84", Zone: "30U", North: "Grid"}
	}

	reg.ModeDefinitions = []modeDefinition{
		{
			Type:                "Permanent",
			ModeName:            "Default",
			SettleTime:          settleTime{Units: "seconds", Value: 10},
			DetectionDefinition: detectionDefinition{LocationType: gps()},
		},
		{
			Type:                "Permanent",
			ModeName:            "jam",
			SettleTime:          settleTime{Units: "seconds", Value: 10},
			ModeParameter:       &modeParameter{Type: "Frequency Band", Value: "Required"},
			DetectionDefinition: detectionDefinition{LocationType: gps()},
		},
	}
	return reg
}

// StatusReport is the outbound heartbeat message.
type StatusReport struct {
	XMLName   xml.Name `xml:"StatusReport"`
	Timestamp string   `xml:"timestamp"`
	SourceID  int32    `xml:"sourceID"`
	ReportID  int32    `xml:"reportID"`
	System    string   `xml:"system"`
	Info      string   `xml:"info"`
}

// NewStatusReport builds the heartbeat: info is "New" on the first report,
// "Additional" when changed is set, else "Unchanged". changed is always
// false today; the parameter exists so a future caller with observable
// upstream state changes can set it.
func NewStatusReport(sensorID, reportID int32, changed bool, now time.Time) StatusReport {
	info := "Unchanged"
	switch {
	case reportID == 0:
		info = "New"
	case changed:
		info = "Additional"
	}
	return StatusReport{
		Timestamp: timestamp(now),
		SourceID:  sensorID,
		ReportID:  reportID,
		System:    "OK",
		Info:      info,
	}
}

// Encode renders msg as the exact wire bytes sent to the SDA: an XML
// declaration, the document, with trailing CR/LF stripped.
func Encode(msg any) ([]byte, error) {
	body, err := xml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("sapient: marshal message: %w", err)
	}
	out := append([]byte(`<?xml version="1.0" encoding="utf-8"?>`), body...)
	for len(out) > 0 && (out[len(out)-1] == '\r' || out[len(out)-1] == '\n') {
		out = out[:len(out)-1]
	}
	return out, nil
}

// sensorRegistrationAck is the inbound registration acknowledgement.
type sensorRegistrationAck struct {
	XMLName  xml.Name `xml:"SensorRegistrationACK"`
	SensorID int32    `xml:"sensorID"`
}

// sensorTask is the inbound task message.
type sensorTask struct {
	XMLName  xml.Name `xml:"SensorTask"`
	SensorID int32    `xml:"sensorID"`
	TaskID   int32    `xml:"taskID"`
	Control  string   `xml:"control"`
	Command  struct {
		Request string `xml:"request"`
		Mode    string `xml:"mode"`
	} `xml:"command"`
}

// Inbound is the tagged-variant result of parsing one terminated buffer.
// At most one of RegistrationAck or Task is non-nil; both nil means the
// message was unrecognised.
type Inbound struct {
	RegistrationAck *RegistrationAck
	Task            *Task
}

// RegistrationAck carries the server-assigned sensor ID. The session logs
// it but keeps using its own fixed ID.
type RegistrationAck struct {
	SensorID int32
}

// Task carries a decoded SensorTask, including its parsed jam mode when the
// mode text matched "jam <integer>".
type Task struct {
	SensorID int32
	TaskID   int32
	Control  string
	Request  string
	Mode     int32
	HasMode  bool
}

// Parse dispatches buf (one terminated message, terminator already
// stripped) to the known root element shapes. An unrecognised root name,
// including an empty buffer which fails to parse as any element, yields a
// zero Inbound with both fields nil.
func Parse(buf []byte) (Inbound, error) {
	root, err := rootElementName(buf)
	if err != nil {
		return Inbound{}, nil
	}

	switch root {
	case "SensorRegistrationACK":
		var ack sensorRegistrationAck
		if err := xml.Unmarshal(buf, &ack); err != nil {
			return Inbound{}, fmt.Errorf("sapient: parse SensorRegistrationACK: %w", err)
		}
		return Inbound{RegistrationAck: &RegistrationAck{SensorID: ack.SensorID}}, nil

	case "SensorTask":
		var t sensorTask
		if err := xml.Unmarshal(buf, &t); err != nil {
			return Inbound{}, fmt.Errorf("sapient: parse SensorTask: %w", err)
		}
		task := &Task{
			SensorID: t.SensorID,
			TaskID:   t.TaskID,
			Control:  t.Control,
			Request:  t.Command.Request,
		}
		if rest, ok := strings.CutPrefix(t.Command.Mode, "jam "); ok {
			if m, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				task.Mode = int32(m)
				task.HasMode = true
			}
		}
		return Inbound{Task: task}, nil

	default:
		return Inbound{}, nil
	}
}

// rootElementName reads just enough of buf to find the first element's
// name, without fully decoding the document.
func rootElementName(buf []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(buf))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
