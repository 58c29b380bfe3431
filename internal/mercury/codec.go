package mercury

import (
	"encoding/binary"
	"fmt"
	"time"

	"sapient-bridge/internal/missionfile"
	"sapient-bridge/internal/serialio"
)

// Codec implements the framed, CRC-protected request/reply protocol the
// downstream controller speaks to the MCM over serial: a length-prefixed
// frame with a trailing CRC-16 and sync byte, parsed out of a rolling
// receive buffer.
//
// Frame layout: [lenHi][lenLo][cmdIDHi][cmdIDLo][payload...][crcHi][crcLo][sync]
// len counts the whole frame including header and trailer.
type Codec struct {
	port *serialio.Adapter
}

const (
	frameSync       = 0x7E
	frameHeaderLen  = 2 // length field
	frameCmdLen     = 2 // command id field
	frameTrailerLen = 3 // crcHi, crcLo, sync
	frameOverhead   = frameHeaderLen + frameCmdLen + frameTrailerLen
	// MaxPayload bounds a single frame's payload so that a 253-byte mission
	// chunk plus its 2-byte sequence number fits in exactly one data message.
	MaxPayload = 255
)

// Frame is a decoded reply from the MCM.
type Frame struct {
	CommandID uint16
	Payload   []byte
}

// NewCodec wraps an open serial adapter.
func NewCodec(port *serialio.Adapter) *Codec {
	return &Codec{port: port}
}

// IsGood reports whether the underlying serial adapter is still usable.
func (c *Codec) IsGood() bool {
	return c.port.IsGood()
}

// DrainInbound discards any bytes buffered from previous exchanges before a
// new request is sent; anything still queued is stale.
func (c *Codec) DrainInbound() {
	c.port.Drain()
}

// Send builds and writes a single frame carrying cmdID and payload.
func (c *Codec) Send(cmdID uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("mercury: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}

	total := frameOverhead + len(payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], cmdID)
	copy(buf[4:4+len(payload)], payload)

	crc := missionfile.ComputeCRC16(buf[:4+len(payload)])
	buf[total-3] = byte(crc >> 8)
	buf[total-2] = byte(crc)
	buf[total-1] = frameSync

	_, err := c.port.WriteRaw(buf)
	return err
}

// WaitReply cooperatively pumps the serial adapter's Read until a complete,
// CRC-valid frame is available or timeout elapses.
func (c *Codec) WaitReply(timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)
	pollInterval := 10 * time.Millisecond

	for {
		if frame, ok := c.tryParse(); ok {
			return frame, nil
		}

		if !c.port.IsGood() {
			return nil, fmt.Errorf("mercury: serial device not good while waiting for reply")
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("mercury: reply timeout after %v", timeout)
		}

		if err := c.port.Read(); err != nil {
			return nil, err
		}

		if len(c.port.Buffered()) == 0 {
			time.Sleep(pollInterval)
		}
	}
}

// tryParse looks for one complete, synchronised, CRC-valid frame in the
// adapter's receive buffer, consuming it on success. On a framing or CRC
// error it discards one byte and retries the parse at the next offset.
func (c *Codec) tryParse() (*Frame, bool) {
	for {
		data := c.port.Buffered()
		if len(data) < frameOverhead {
			return nil, false
		}

		total := int(binary.BigEndian.Uint16(data[0:2]))
		if total < frameOverhead || total > len(data) {
			if total < frameOverhead {
				// Garbage length byte — resync by dropping one byte.
				c.port.Consume(1)
				continue
			}
			// Not enough data yet for the claimed length.
			return nil, false
		}

		frame := data[:total]
		if frame[total-1] != frameSync {
			c.port.Consume(1)
			continue
		}

		crcWant := uint16(frame[total-3])<<8 | uint16(frame[total-2])
		crcGot := missionfile.ComputeCRC16(frame[:total-3])
		if crcWant != crcGot {
			c.port.Consume(1)
			continue
		}

		cmdID := binary.BigEndian.Uint16(frame[2:4])
		payload := make([]byte, total-frameOverhead)
		copy(payload, frame[4:total-3])

		c.port.Consume(total)
		return &Frame{CommandID: cmdID, Payload: payload}, true
	}
}
