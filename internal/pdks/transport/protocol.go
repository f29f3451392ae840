package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Command codes of the terminal protocol.
const (
	CmdUserWrite     uint16 = 8
	CmdUserRead      uint16 = 9
	CmdOptionsRead   uint16 = 11
	CmdAttLogRead    uint16 = 13
	CmdClearAttLog   uint16 = 15
	CmdDeleteUser    uint16 = 18
	CmdGetFreeSizes  uint16 = 50
	CmdConnect       uint16 = 1000
	CmdExit          uint16 = 1001
	CmdEnableDevice  uint16 = 1002
	CmdDisableDevice uint16 = 1003
	CmdRefreshData   uint16 = 1013
	CmdGetVersion    uint16 = 1100
	CmdAuth          uint16 = 1102
	CmdPrepareData   uint16 = 1500
	CmdData          uint16 = 1501
	CmdFreeData      uint16 = 1502

	CmdAckOK     uint16 = 2000
	CmdAckError  uint16 = 2001
	CmdAckData   uint16 = 2002
	CmdAckUnauth uint16 = 2005
)

var envelopeMagic = []byte{0x50, 0x50, 0x82, 0x7d}

const (
	envelopeSize = 8
	headerSize   = 8
	// MaxPayload bounds a single frame; large user lists arrive in chunks.
	MaxPayload = 4 << 20
	ushrtMax   = 0xFFFF
)

// Packet is one framed protocol message.
type Packet struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
	Payload   []byte
}

// Checksum is the 16-bit one's-complement sum used by the terminals, computed
// over the header (with a zero checksum field) followed by the payload.
func Checksum(b []byte) uint16 {
	sum := 0
	for len(b) > 1 {
		sum += int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(b) == 1 {
		sum += int(b[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

func (p Packet) header(checksum uint16) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:], p.Command)
	binary.LittleEndian.PutUint16(h[2:], checksum)
	binary.LittleEndian.PutUint16(h[4:], p.SessionID)
	binary.LittleEndian.PutUint16(h[6:], p.ReplyID)
	return h
}

func (p Packet) computeChecksum() uint16 {
	buf := append(p.header(0), p.Payload...)
	return Checksum(buf)
}

// EncodePacket frames p for the wire, filling in its checksum.
func EncodePacket(p Packet) []byte {
	body := append(p.header(p.computeChecksum()), p.Payload...)

	out := make([]byte, 0, envelopeSize+len(body))
	out = append(out, envelopeMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// ReadPacket reads one frame from r and verifies its envelope and checksum.
func ReadPacket(r io.Reader) (Packet, error) {
	env := make([]byte, envelopeSize)
	if _, err := io.ReadFull(r, env); err != nil {
		return Packet{}, err
	}
	if !bytes.Equal(env[:4], envelopeMagic) {
		return Packet{}, newError(KindProtocol, "read frame", fmt.Errorf("bad envelope % x", env[:4]))
	}
	size := binary.LittleEndian.Uint32(env[4:])
	if size < headerSize || size > MaxPayload+headerSize {
		return Packet{}, newError(KindProtocol, "read frame", fmt.Errorf("frame length %d out of range", size))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}

	p := Packet{
		Command:   binary.LittleEndian.Uint16(body[0:]),
		Checksum:  binary.LittleEndian.Uint16(body[2:]),
		SessionID: binary.LittleEndian.Uint16(body[4:]),
		ReplyID:   binary.LittleEndian.Uint16(body[6:]),
		Payload:   body[headerSize:],
	}
	if want := p.computeChecksum(); want != p.Checksum {
		return Packet{}, newError(KindProtocol, "read frame",
			fmt.Errorf("checksum mismatch: got %#04x want %#04x", p.Checksum, want))
	}
	return p, nil
}

// NextReplyID advances the reply counter the way the terminals expect,
// wrapping before 0xFFFF.
func NextReplyID(id uint16) uint16 {
	n := int(id) + 1
	if n >= ushrtMax {
		n -= ushrtMax
	}
	return uint16(n)
}
