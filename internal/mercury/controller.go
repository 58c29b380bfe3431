// Package mercury implements the downstream controller: the state machine
// that pings, version-checks, uploads mission files in chunked CRC-verified
// sequences with strict inter-packet timing, polls installation progress,
// and commands jam start/stop on the MCM jamming appliance.
package mercury

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"sapient-bridge/internal/arbiter"
	"sapient-bridge/internal/missionfile"
	"sapient-bridge/internal/serialio"
)

// Protocol timing and sizing.
const (
	ReplyTimeout        = 2500 * time.Millisecond
	ReplyTimeoutCRC     = 8100 * time.Millisecond
	WaitReady           = 300 * time.Second
	WaitInstall         = 300 * time.Second
	TimeBetweenPings    = 500 * time.Millisecond
	ReadChunk           = 253
	InterPacketDelayCRC = 15 * time.Millisecond
	OpenRetryDelay      = 2 * time.Second
)

// link is the seam between Controller and the framed request/reply exchange
// it drives, satisfied by *Codec in production and by a scripted fake in
// tests.
type link interface {
	DrainInbound()
	Send(cmdID uint16, payload []byte) error
	WaitReply(timeout time.Duration) (*Frame, error)
	IsGood() bool
}

// Controller drives one MCM session over a link (a real serial device
// wrapped in the framed codec, in production).
type Controller struct {
	device string
	baud   int

	arb   *arbiter.Arbiter
	port  *serialio.Adapter
	link  link
	state SessionState

	replyTimeout       time.Duration
	waitReadyTimeout   time.Duration
	waitInstallTimeout time.Duration
	timeBetweenPings   time.Duration
}

// NewController creates a controller bound to device, reporting to arb.
func NewController(device string, baud int, arb *arbiter.Arbiter) *Controller {
	return &Controller{
		device:             device,
		baud:               baud,
		arb:                arb,
		state:              SerialDisconnected,
		replyTimeout:       ReplyTimeout,
		waitReadyTimeout:   WaitReady,
		waitInstallTimeout: WaitInstall,
		timeBetweenPings:   TimeBetweenPings,
	}
}

// Run is the outer loop: open/reopen the serial device, wait OpenRetryDelay
// between attempts, and run the inner session loop while the device stays
// good. Runs until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.openPort(); err != nil {
			log.Warnf("mercury: failed to open %s: %v", c.device, err)
			if sleepOrDone(ctx, OpenRetryDelay) {
				return
			}
			continue
		}

		c.link = NewCodec(c.port)
		c.setState(NoResponse)
		log.Infof("mercury: serial device %s open", c.device)

		c.runSession(ctx)

		c.setState(SerialDisconnected)
		_ = c.port.Deinitialise()

		if sleepOrDone(ctx, OpenRetryDelay) {
			return
		}
	}
}

// openPort opens the serial device on the first attempt and reinitialises
// the existing adapter on every reopen after that.
func (c *Controller) openPort() error {
	if c.port == nil {
		port, err := serialio.Open(c.device, c.baud)
		if err != nil {
			return err
		}
		c.port = port
		return nil
	}
	return c.port.Reinitialise(c.baud)
}

func (c *Controller) setState(next SessionState) {
	if next != c.state {
		log.Infof("mercury: session state %s -> %s", c.state, next)
		c.state = next
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

// runSession is the inner loop: repeats ping/poll/upload/jam control for as
// long as the serial device stays good.
func (c *Controller) runSession(ctx context.Context) {
	for c.link.IsGood() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.ping() {
			log.Warnf("mercury: jammer ping failed")
			continue
		}

		mode := c.arb.Mode()

		if mode > 0 {
			c.handleJamRequested(mode)
		} else {
			state := c.getTargetState()
			if state.IsJamming() {
				c.stopJamming()
			}
		}
	}
}

func (c *Controller) handleJamRequested(mode uint32) {
	state := c.getTargetState()

	reload := state.IsZeroized()
	if !reload {
		mercuryMission, ok := c.getMissionName()
		if !ok {
			log.Warnf("mercury: failed to retrieve mission name from jammer")
			reload = true
		} else {
			reload = mercuryMission != c.arb.MissionName(mode)
		}
	}

	if reload {
		c.stopJamming()
		if c.waitReadyForMission() {
			path := c.arb.MissionPath(mode)
			log.Infof("mercury: sending %s", path)
			if err := c.sendMission(path); err != nil {
				log.Warnf("mercury: mission upload failed: %v", err)
			}
		}
		state = c.getTargetState()
	}

	if !state.IsJammingOrRequested() {
		c.startJamming()
	}
}

// request performs one drain/send/wait exchange addressed to the MCM,
// returning the reply frame. Queued inbound messages are always stale by
// the time a new request goes out, so they are discarded first.
func (c *Controller) request(cmdID uint16, payload []byte, timeout time.Duration) (*Frame, error) {
	c.link.DrainInbound()
	if err := c.link.Send(cmdID, payload); err != nil {
		return nil, err
	}
	return c.link.WaitReply(timeout)
}

func (c *Controller) ping() bool {
	f, err := c.request(CmdPing, nil, c.replyTimeout)
	if err != nil {
		return false
	}
	return isOk(f)
}

func (c *Controller) getVersion() (Version, bool) {
	f, err := c.request(CmdGetVersion, nil, c.replyTimeout)
	if err != nil || !isOk(f) {
		return Version{}, false
	}
	v, err := decodeVersion(f)
	return v, err == nil
}

func (c *Controller) getTargetState() State {
	f, err := c.request(CmdGetTargetState, nil, c.replyTimeout)
	if err != nil || !isOk(f) {
		return StateUnknown
	}
	s, err := decodeState(f)
	if err != nil {
		return StateUnknown
	}
	return s
}

func (c *Controller) getMissionName() (string, bool) {
	f, err := c.request(CmdGetMissionName, nil, c.replyTimeout)
	if err != nil || !isOk(f) {
		return "", false
	}
	name, err := decodeMissionName(f)
	return name, err == nil
}

func (c *Controller) startJamming() {
	reply, err := c.request(CmdStartJamming, nil, c.replyTimeout)
	if err != nil {
		log.Warnf("mercury: start jamming command failed: %v", err)
		return
	}
	if isOk(reply) {
		c.setState(Jamming)
	}
}

func (c *Controller) stopJamming() {
	if _, err := c.request(CmdStopJamming, nil, c.replyTimeout); err != nil {
		log.Warnf("mercury: stop jamming command failed: %v", err)
	}
}

// waitReadyForMission bounds a wait for the MCM to settle into a state that
// accepts a new mission upload. The transient "operational" state seen just
// before a pre-loaded mission installs must NOT be treated as ready:
// beginning an upload there corrupts the subsequent install.
func (c *Controller) waitReadyForMission() bool {
	start := time.Now()

	for time.Since(start) <= c.waitReadyTimeout {
		if !c.link.IsGood() {
			return false
		}

		if !c.ping() {
			log.Warnf("mercury: ping fail")
			time.Sleep(c.timeBetweenPings)
			continue
		}
		log.Infof("mercury: ping OK")

		version, ok := c.getVersion()
		if !ok || !version.AtLeast(6, 5) {
			log.Warnf("mercury: target version fail")
			continue
		}
		log.Infof("mercury: target version OK")

		state := c.getTargetState()
		log.Infof("mercury: target state %d", state)

		switch {
		case state.IsReadyForNewMission() && !state.IsOperational():
			log.Infof("mercury: target system ready for new mission")
			c.setState(ReadyForMission)
			return true
		case state == StateUnknown:
			log.Warnf("mercury: get target state failed")
		case state.IsStartup():
			log.Warnf("mercury: target system starting-up")
			c.setState(NotReadyForMission)
		default:
			log.Warnf("mercury: target system not ready for new mission")
		}
	}

	log.Warnf("mercury: timed out waiting for system ready for new mission")
	return false
}

// sendMission uploads a mission file to the MCM: size announcement, chunked
// sequenced data messages, CRC verification, then an install-progress wait.
func (c *Controller) sendMission(path string) error {
	file, err := os.Open(path)
	if err != nil {
		log.Errorf("mercury: mission file not found, skipping upload: %v", err)
		return nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat mission file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		log.Errorf("mercury: mission file %s is empty, skipping upload", path)
		return nil
	}

	crc, err := streamCRC(file)
	if err != nil {
		return fmt.Errorf("compute mission file CRC: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind mission file: %w", err)
	}

	if !c.waitReadyForMission() {
		return fmt.Errorf("mcm not ready for mission upload")
	}

	log.Infof("mercury: upload %d byte mission, crc 0x%04x", size, crc)
	reply, err := c.request(CmdUploadMission, encodeUint32(uint32(size)), c.replyTimeout)
	if err != nil || !isOk(reply) {
		return fmt.Errorf("upload mission command failed")
	}

	totalSent := 0
	seq := uint16(0)
	buf := make([]byte, ReadChunk)

	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			if err := c.sendMissionData(&seq, buf[:n]); err != nil {
				return fmt.Errorf("data send failed: %w", err)
			}
			totalSent += n
			log.Infof("mercury: sent %d bytes (total %d of %d)", n, totalSent, size)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read mission file: %w", rerr)
		}
	}

	// The MCM needs a single short gap between the last data packet and the
	// CRC verify command. No other inter-packet delay is inserted anywhere
	// in the transfer.
	time.Sleep(InterPacketDelayCRC)
	reply, err = c.request(CmdVerifyMissionFileCrc, encodeUint16(crc), ReplyTimeoutCRC)
	if err != nil || !isOk(reply) {
		return fmt.Errorf("CRC check failed")
	}

	if !c.waitMissionInstall() {
		return fmt.Errorf("mission install did not complete")
	}
	c.setState(NotReadyForMission)
	return nil
}

// sendMissionData splits a chunk into as many data messages as the codec's
// MaxPayload demands, each carrying a strictly increasing 16-bit sequence
// number.
func (c *Controller) sendMissionData(seq *uint16, chunk []byte) error {
	const maxDataBytes = MaxPayload - 2 // 2 bytes reserved for the sequence number

	for len(chunk) > 0 {
		n := len(chunk)
		if n > maxDataBytes {
			n = maxDataBytes
		}

		payload := make([]byte, 2+n)
		payload[0] = byte(*seq >> 8)
		payload[1] = byte(*seq)
		copy(payload[2:], chunk[:n])
		*seq++

		reply, err := c.request(CmdMissionData, payload, c.replyTimeout)
		if err != nil || !isOk(reply) {
			return fmt.Errorf("data message not acknowledged")
		}

		chunk = chunk[n:]
	}
	return nil
}

// waitMissionInstall polls install progress until the MCM signals completion
// with a NotOk command header on this query, or WaitInstall elapses. The
// poll cadence is one reply-timeout per iteration: a poll that is answered
// (or fails) early is followed by a sleep for the rest of that interval.
func (c *Controller) waitMissionInstall() bool {
	start := time.Now()

	for time.Since(start) <= c.waitInstallTimeout {
		pollStart := time.Now()
		reply, err := c.request(CmdGetMissionFileInstallProgress, nil, c.replyTimeout)
		if err == nil {
			if reply.CommandID == CmdNotOk {
				log.Infof("mercury: mission install complete")
				return true
			}
			percent, _ := decodeInstallProgress(reply)
			log.Infof("mercury: mission install %d%%", percent)
		}
		if wait := c.replyTimeout - time.Since(pollStart); wait > 0 {
			time.Sleep(wait)
		}
	}

	log.Warnf("mercury: timed out waiting for mission install")
	return false
}

func streamCRC(r io.Reader) (uint16, error) {
	crc := missionfile.NewCRC16()
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = crc.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return crc.Sum16(), nil
}
