package server

import (
	"encoding/binary"
	"errors"
	"log"
	"net"
	"time"

	"wizzd/protocol"
)

// maxFrameSize is the sanity ceiling on a declared body length. A frame
// claiming more than this is a protocol violation and the connection is
// dropped. Large enough for the biggest legal payload (voice blobs).
const maxFrameSize = 64 << 20

var errFrameTooLarge = errors.New("declared frame length exceeds limit")

// Session is the per-connection state: receive buffer, authentication
// state and the outbound side. It is owned by the control loop; the
// only other goroutine touching it is its reader, which never looks
// past the conn.
type Session struct {
	id       uint64
	conn     net.Conn
	buf      []byte
	username string
	authed   bool
	closed   bool

	writeTimeout time.Duration
}

func newSession(id uint64, conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// feed appends received bytes to the buffer and extracts every complete
// frame available. A single read may carry zero, one or many frames;
// partial frames stay buffered for the next call. A bad magic value or
// an oversized declared length is fatal and reported as an error.
func (sess *Session) feed(data []byte) ([]*protocol.Packet, error) {
	sess.buf = append(sess.buf, data...)

	var packets []*protocol.Packet
	for {
		if len(sess.buf) < protocol.HeaderSize {
			break
		}

		bodyLen := binary.BigEndian.Uint32(sess.buf[8:12])
		if bodyLen > maxFrameSize {
			return packets, errFrameTooLarge
		}

		total := protocol.HeaderSize + int(bodyLen)
		if len(sess.buf) < total {
			break
		}

		pkt, err := protocol.Decode(sess.buf[:total])
		if err != nil {
			return packets, err
		}

		// Shift out the consumed frame.
		sess.buf = append(sess.buf[:0], sess.buf[total:]...)
		packets = append(packets, pkt)
	}

	return packets, nil
}

// send serializes and writes a frame to the connection. A session that
// is already closed swallows the write; the reaper handles removal, not
// the sender.
func (sess *Session) send(pkt *protocol.Packet) {
	if sess.closed || sess.conn == nil {
		return
	}
	if sess.writeTimeout > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
	}
	if _, err := sess.conn.Write(pkt.Serialize()); err != nil {
		log.Printf("Error writing to session %d: %v", sess.id, err)
	}
}

func (sess *Session) close() {
	if sess.closed {
		return
	}
	sess.closed = true
	sess.conn.Close()
}
