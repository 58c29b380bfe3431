// Session lifecycle: a TCP client that registers with the SDA, heart-beats
// while registered, stream-parses terminator-delimited XML frames, and
// publishes decoded jam modes into the mode arbiter. The same
// outer-loop/inner-loop split as mercury.Controller, with a TCP socket in
// place of a serial device.

package sapient

import (
	"bytes"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"sapient-bridge/internal/arbiter"
)

const (
	// DefaultSensorID is the fixed sensor identity used for both outgoing
	// registration and filtering inbound tasks. The server's ack carries
	// its own assigned ID, which is logged but never adopted.
	DefaultSensorID = 6

	HeartbeatInterval = 10 * time.Second
	RegAckWait        = 30 * time.Second
	ConnectTimeout    = 1 * time.Second
	ReconnectBackoff  = 10 * time.Second
	recvBufferSize    = 64 * 1024
	terminatorDefault = 0x00
	terminatorDebug   = '@'
)

// sessionState is the upstream session's own finite state.
type sessionState int

const (
	stateNotConnected sessionState = iota
	stateConnected
	stateRegistered
)

// Session owns one TCP connection to the SDA and the arbiter it publishes
// decoded modes into.
type Session struct {
	addr      string
	debugTerm bool
	arb       *arbiter.Arbiter
	sensorID  int32

	conn  net.Conn
	state sessionState

	reportID      int32
	lastHeartbeat time.Time
	connectedAt   time.Time
}

// NewSession creates a session that will dial host:port, using the debug
// terminator byte ('@') instead of the production one (0x00) when debug is
// true.
func NewSession(host string, port int, debug bool, arb *arbiter.Arbiter) *Session {
	return &Session{
		addr:      fmt.Sprintf("%s:%d", host, port),
		debugTerm: debug,
		arb:       arb,
		sensorID:  DefaultSensorID,
		state:     stateNotConnected,
	}
}

// Run is the outer loop: connect, run the registered session until it
// drops, back off ReconnectBackoff with a per-second countdown log, and
// retry. Runs until done is closed.
func (s *Session) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", s.addr, ConnectTimeout)
		if err != nil {
			log.Warnf("sapient: connect to %s failed: %v", s.addr, err)
			if s.backoff(done) {
				return
			}
			continue
		}

		log.Infof("sapient: connected to SDA at %s", s.addr)
		s.conn = conn
		s.state = stateConnected

		s.runSession(done)

		_ = s.conn.Close()
		s.conn = nil
		s.state = stateNotConnected

		if s.backoff(done) {
			return
		}
	}
}

// backoff waits ReconnectBackoff, logging a countdown once per second.
// Returns true if done fired first.
func (s *Session) backoff(done <-chan struct{}) bool {
	remaining := int(ReconnectBackoff / time.Second)
	for i := remaining; i > 0; i-- {
		plural := "s"
		if i == 1 {
			plural = ""
		}
		log.Warnf("sapient: SDA not available, retrying in %d second%s...", i, plural)
		select {
		case <-done:
			return true
		case <-time.After(time.Second):
		}
	}
	return false
}

// runSession drives one connected session: registration, heartbeats, and
// inbound XML parsing. Returns when the connection is lost or the
// registration ack times out.
func (s *Session) runSession(done <-chan struct{}) {
	s.connectedAt = time.Now()
	s.lastHeartbeat = s.connectedAt
	s.reportID = 0

	if err := s.send(NewSensorRegistration(s.sensorID, s.connectedAt)); err != nil {
		log.Warnf("sapient: failed to send registration: %v", err)
		return
	}

	term := byte(terminatorDefault)
	if s.debugTerm {
		term = terminatorDebug
	}

	// recv accumulates bytes across reads until a terminator is found. A
	// message that straddles two read deadlines must not lose its prefix.
	var recv []byte
	readBuf := make([]byte, recvBufferSize)

	for s.state != stateNotConnected {
		select {
		case <-done:
			return
		default:
		}

		now := time.Now()

		if s.state == stateRegistered {
			if now.Sub(s.lastHeartbeat) >= HeartbeatInterval {
				hb := NewStatusReport(s.sensorID, s.reportID, false, now)
				log.Infof("sapient: sending heartbeat")
				if err := s.send(hb); err != nil {
					log.Warnf("sapient: heartbeat send failed: %v", err)
					return
				}
				s.reportID++
				s.lastHeartbeat = now
			}
		} else if now.Sub(s.connectedAt) >= RegAckWait {
			log.Warnf("sapient: timed out waiting for registration acknowledgement")
			s.state = stateNotConnected
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := s.conn.Read(readBuf)
		if n == 0 && err == nil {
			continue
		}
		if n > 0 {
			recv = append(recv, readBuf[:n]...)
			for {
				idx := bytes.IndexByte(recv, term)
				if idx < 0 {
					break
				}
				s.handleMessage(recv[:idx])
				recv = recv[idx+1:]
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.Warnf("sapient: read from SDA failed: %v", err)
			s.state = stateNotConnected
			return
		}
	}
}

// handleMessage dispatches one terminated, parsed inbound message.
func (s *Session) handleMessage(buf []byte) {
	in, err := Parse(buf)
	if err != nil {
		log.Warnf("sapient: failed to parse inbound message: %v", err)
		return
	}

	switch {
	case in.RegistrationAck != nil:
		log.Infof("sapient: registration acknowledged, server sensor ID: %d", in.RegistrationAck.SensorID)
		// The server-assigned ID is logged but never adopted; the fixed
		// DefaultSensorID remains in use until the ack is known to carry a
		// usable value.
		s.sensorID = DefaultSensorID
		s.state = stateRegistered
		log.Infof("sapient: using sensor ID: %d", s.sensorID)

	case in.Task != nil:
		if s.state != stateRegistered {
			return
		}
		if in.Task.SensorID != s.sensorID {
			log.Warnf("sapient: received task with wrong sensor ID (task %d, ours %d)", in.Task.SensorID, s.sensorID)
			return
		}
		if in.Task.HasMode {
			log.Infof("sapient: sensor task message received, mode %d", in.Task.Mode)
			s.arb.SetMode(in.Task.Mode)
		}
	}
}

// send serialises msg and writes it followed by the session's terminator
// byte.
func (s *Session) send(msg any) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	term := byte(terminatorDefault)
	if s.debugTerm {
		term = terminatorDebug
	}
	body = append(body, term)

	_ = s.conn.SetWriteDeadline(time.Now().Add(ConnectTimeout))
	if _, err := s.conn.Write(body); err != nil {
		s.state = stateNotConnected
		return fmt.Errorf("sapient: write failed: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
