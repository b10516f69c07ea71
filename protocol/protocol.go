// Package protocol implements the binary wire format: a fixed 12-byte
// big-endian header (magic, type, body length) followed by the body.
// String fields are length-prefixed with a uint32, integers are fixed
// 4-byte values, raw blobs are appended verbatim.
package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic is the sentinel value opening every frame.
	Magic = 0xCAFEBABE

	// HeaderSize is the fixed header length: magic + type + length.
	HeaderSize = 12
)

// Operation codes. Grouped by numeric range: 100s auth, 200s contacts,
// 300s messaging, 999 error.
const (
	Login           = 100
	Register        = 101
	LoginSuccess    = 102
	LoginFailed     = 103
	RegisterSuccess = 104
	RegisterFailed  = 105

	AddContact          = 200
	RemoveContact       = 201
	ContactList         = 202
	ContactStatusChange = 203

	DirectMessage   = 300
	MessageSent     = 301
	Nudge           = 302
	VoiceMessage    = 303
	TypingIndicator = 304
	UpdateAvatar    = 305
	GetAvatar       = 306
	AvatarData      = 307
	GameStatus      = 308

	Error = 999
)

var (
	ErrShortHeader   = errors.New("protocol: buffer shorter than header")
	ErrBadMagic      = errors.New("protocol: bad magic")
	ErrTruncatedBody = errors.New("protocol: read past declared body length")
)

// Packet is one in-flight frame. The write methods append to the body
// and keep the length implied by it; the read methods consume the body
// through a monotonic cursor, in the exact order fields were written.
type Packet struct {
	Type uint32
	body []byte
	off  int
}

// New creates an empty packet of the given operation type.
func New(pktType uint32) *Packet {
	return &Packet{Type: pktType}
}

// Decode rehydrates a packet from header+body bytes. The caller is
// responsible for having assembled a complete frame; any body bytes
// after the header are taken as-is.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, ErrShortHeader
	}
	if binary.BigEndian.Uint32(raw[0:4]) != Magic {
		return nil, ErrBadMagic
	}

	pkt := &Packet{Type: binary.BigEndian.Uint32(raw[4:8])}
	if len(raw) > HeaderSize {
		pkt.body = append(pkt.body, raw[HeaderSize:]...)
	}
	return pkt, nil
}

// BodyLen returns the current body size in bytes.
func (p *Packet) BodyLen() int {
	return len(p.body)
}

// Body returns the raw body bytes.
func (p *Packet) Body() []byte {
	return p.body
}

func (p *Packet) WriteUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	p.body = append(p.body, buf[:]...)
}

// WriteString appends a uint32 length prefix followed by the raw bytes,
// no terminator.
func (p *Packet) WriteString(s string) {
	p.WriteUint32(uint32(len(s)))
	p.body = append(p.body, s...)
}

// WriteBytes appends raw bytes verbatim. Callers needing a length field
// must write it themselves first.
func (p *Packet) WriteBytes(b []byte) {
	p.body = append(p.body, b...)
}

// Serialize produces the full header+body buffer ready for the wire.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(p.body))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], p.Type)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.body)))
	return append(buf, p.body...)
}

func (p *Packet) ReadUint32() (uint32, error) {
	if p.off+4 > len(p.body) {
		return 0, ErrTruncatedBody
	}
	v := binary.BigEndian.Uint32(p.body[p.off : p.off+4])
	p.off += 4
	return v, nil
}

func (p *Packet) ReadString() (string, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return "", err
	}
	if p.off+int(n) > len(p.body) {
		return "", ErrTruncatedBody
	}
	s := string(p.body[p.off : p.off+int(n)])
	p.off += int(n)
	return s, nil
}

func (p *Packet) ReadBytes(n uint32) ([]byte, error) {
	if p.off+int(n) > len(p.body) {
		return nil, ErrTruncatedBody
	}
	b := make([]byte, n)
	copy(b, p.body[p.off:p.off+int(n)])
	p.off += int(n)
	return b, nil
}
