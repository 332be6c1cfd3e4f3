package transport

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// Serial frame layout:
//
//	0xA5 0x5A | len | seq u32 LE | yaw i16 LE | pitch i16 LE | reason u8 | crc8
//
// len counts payload bytes. The CRC-8 (poly 0x07, init 0) covers len and
// payload. Rates are scaled by 32767.
const (
	frameSync0 = 0xA5
	frameSync1 = 0x5A
	payloadLen = 9
	FrameSize  = 2 + 1 + payloadLen + 1
	rateScale  = 32767
)

var reasonCodes = map[motion.Reason]byte{
	motion.ReasonAutoTrack:      1,
	motion.ReasonAssisted:       2,
	motion.ReasonNoTarget:       3,
	motion.ReasonManual:         4,
	motion.ReasonManualIdle:     5,
	motion.ReasonManualOverride: 6,
	motion.ReasonStaleCommand:   7,
	motion.ReasonWatchdog:       8,
	motion.ReasonShutdown:       9,
	motion.ReasonInitial:        10,
}

// EncodeFrame serializes out into a fixed-size frame.
func EncodeFrame(out motion.ControlOutput) []byte {
	b := make([]byte, FrameSize)
	b[0], b[1], b[2] = frameSync0, frameSync1, payloadLen
	p := b[3 : 3+payloadLen]
	binary.LittleEndian.PutUint32(p[0:4], uint32(out.Sequence))
	binary.LittleEndian.PutUint16(p[4:6], uint16(scaleRate(out.YawRate)))
	binary.LittleEndian.PutUint16(p[6:8], uint16(scaleRate(out.PitchRate)))
	p[8] = reasonCodes[out.Reason]
	b[FrameSize-1] = crc8(b[2 : FrameSize-1])
	return b
}

// DecodeFrame parses a frame produced by EncodeFrame. The timestamp is not
// carried on the wire and is left zero.
func DecodeFrame(b []byte) (motion.ControlOutput, error) {
	if len(b) != FrameSize {
		return motion.ControlOutput{}, fmt.Errorf("frame size %d, want %d", len(b), FrameSize)
	}
	if b[0] != frameSync0 || b[1] != frameSync1 {
		return motion.ControlOutput{}, fmt.Errorf("bad sync bytes %#x %#x", b[0], b[1])
	}
	if b[2] != payloadLen {
		return motion.ControlOutput{}, fmt.Errorf("bad payload length %d", b[2])
	}
	if got, want := b[FrameSize-1], crc8(b[2:FrameSize-1]); got != want {
		return motion.ControlOutput{}, fmt.Errorf("crc mismatch: got %#02x want %#02x", got, want)
	}
	p := b[3 : 3+payloadLen]
	out := motion.ControlOutput{
		Sequence:  uint64(binary.LittleEndian.Uint32(p[0:4])),
		YawRate:   float64(int16(binary.LittleEndian.Uint16(p[4:6]))) / rateScale,
		PitchRate: float64(int16(binary.LittleEndian.Uint16(p[6:8]))) / rateScale,
	}
	for r, code := range reasonCodes {
		if code == p[8] {
			out.Reason = r
			break
		}
	}
	return out, nil
}

func scaleRate(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	return int16(math.Round(motion.Clamp(v, 1) * rateScale))
}

func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
