// Package transport frames SSH binary packets (RFC 4253 section 6) before keys are in force.
//
// Only the unencrypted, MAC-less framing used during the initial key exchange is implemented.
// Callers hand the negotiated keys to a full SSH stack after SSH_MSG_NEWKEYS.
package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/protocol"
)

const (
	// MaxPacket is the largest packet_length accepted from the peer.
	MaxPacket = 256 * 1024

	// maxVersionStringBytes is the limit from RFC 4253 section 4.2.
	maxVersionStringBytes = 255

	blockSize     = 8
	minPadding    = 4
	packetHeader  = 5
	lengthOctets  = 4
	paddingOctets = 1
)

var (
	ErrVersionOverflow  = errors.New("ssh: overflow reading version string")
	ErrJunkVersion      = errors.New("ssh: junk character in version line")
	ErrPacketTooLarge   = errors.New("ssh: packet too large")
	ErrInvalidPadding   = errors.New("ssh: invalid packet padding")
	ErrEmptyPacket      = errors.New("ssh: empty packet")
	ErrUnsupportedPeer  = errors.New("ssh: peer does not speak SSH-2.0")
	errClosedConnection = errors.New("ssh: connection closed")
)

// Conn reads and writes unencrypted SSH packets over an underlying stream.
type Conn struct {
	rwc      io.ReadWriteCloser
	r        *bufio.Reader
	w        *bufio.Writer
	rand     io.Reader
	isClient bool

	writeLock sync.Mutex
	readSeq   uint32
	writeSeq  uint32
	closed    bool
}

// New wraps rwc. Padding is drawn from rand, which defaults to crypto/rand.Reader.
func New(rwc io.ReadWriteCloser, rand io.Reader, isClient bool) *Conn {
	if rand == nil {
		rand = defaultRand
	}
	return &Conn{
		rwc:      rwc,
		r:        bufio.NewReader(rwc),
		w:        bufio.NewWriter(rwc),
		rand:     rand,
		isClient: isClient,
	}
}

var defaultRand = rand.Reader

func (c *Conn) who() string {
	if c.isClient {
		return "client"
	}
	return "server"
}

// ExchangeVersions sends versionLine (without CR LF) and returns the peer's version line.
func (c *Conn) ExchangeVersions(versionLine []byte) ([]byte, error) {
	for _, ch := range versionLine {
		// Control characters, and NUL in particular, are forbidden.
		if ch < 32 {
			return nil, ErrJunkVersion
		}
	}
	c.writeLock.Lock()
	_, err := c.w.Write(append(append([]byte{}, versionLine...), '\r', '\n'))
	if err == nil {
		err = c.w.Flush()
	}
	c.writeLock.Unlock()
	if err != nil {
		return nil, err
	}

	them, err := readVersion(c.r)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(them, []byte("SSH-2.0-")) && !bytes.HasPrefix(them, []byte("SSH-1.99-")) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPeer, them)
	}
	log.Debug("%s: peer version %q", c.who(), them)
	return them, nil
}

// readVersion reads a version line as specified by RFC 4253 section 4.2. Lines that do not start
// with "SSH-" are skipped.
func readVersion(r io.Reader) ([]byte, error) {
	versionString := make([]byte, 0, 64)
	var ok bool
	var buf [1]byte

	for length := 0; length < maxVersionStringBytes; length++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		// Some servers terminate with a bare LF.
		if buf[0] == '\n' {
			if !bytes.HasPrefix(versionString, []byte("SSH-")) {
				versionString = versionString[:0]
				continue
			}
			ok = true
			break
		}
		versionString = append(versionString, buf[0])
	}
	if !ok {
		return nil, ErrVersionOverflow
	}
	return bytes.TrimSuffix(versionString, []byte{'\r'}), nil
}

// ReadPacket returns the next payload from the peer. SSH_MSG_IGNORE and SSH_MSG_DEBUG packets are
// dropped. SSH_MSG_DISCONNECT is returned as a *protocol.DisconnectMsg error.
func (c *Conn) ReadPacket() ([]byte, error) {
	for {
		p, err := c.readPacket()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case protocol.MsgIgnore, protocol.MsgDebug:
			log.Trace("%s: dropped %s", c.who(), protocol.MessageName(p[0]))
			continue
		case protocol.MsgDisconnect:
			var msg protocol.DisconnectMsg
			if err := ssh.Unmarshal(p, &msg); err != nil {
				return nil, err
			}
			return nil, &msg
		}
		log.Debug("%s: read %s", c.who(), protocol.MessageName(p[0]))
		return p, nil
	}
}

func (c *Conn) readPacket() ([]byte, error) {
	var header [packetHeader]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:lengthOctets])
	padding := uint32(header[lengthOctets])
	if length > MaxPacket {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, length)
	}
	if (length+lengthOctets)%blockSize != 0 || padding < minPadding || padding+paddingOctets >= length {
		return nil, ErrInvalidPadding
	}

	body := make([]byte, length-paddingOctets)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	c.readSeq++
	payload := body[:len(body)-int(padding)]
	if len(payload) == 0 {
		return nil, ErrEmptyPacket
	}
	return payload, nil
}

// WritePacket frames payload and flushes it to the peer. It is safe for concurrent use.
func (c *Conn) WritePacket(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPacket
	}
	if len(payload)+packetHeader+blockSize+minPadding > MaxPacket {
		return ErrPacketTooLarge
	}

	padding := blockSize - (packetHeader+len(payload))%blockSize
	if padding < minPadding {
		padding += blockSize
	}
	length := paddingOctets + len(payload) + padding

	packet := make([]byte, lengthOctets+length)
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[lengthOctets] = byte(padding)
	copy(packet[packetHeader:], payload)
	if _, err := io.ReadFull(c.rand, packet[packetHeader+len(payload):]); err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.closed {
		return errClosedConnection
	}
	log.Debug("%s: write %s", c.who(), protocol.MessageName(payload[0]))
	if _, err := c.w.Write(packet); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	c.writeSeq++
	return nil
}

// Disconnect sends SSH_MSG_DISCONNECT and closes the connection.
func (c *Conn) Disconnect(reason uint32, message string) error {
	err := c.WritePacket(ssh.Marshal(&protocol.DisconnectMsg{Reason: reason, Message: message}))
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	c.writeLock.Lock()
	c.closed = true
	c.writeLock.Unlock()
	return c.rwc.Close()
}

// SequenceNumbers returns the number of packets read and written so far. They seed the MAC
// sequence numbers once keys are in force.
func (c *Conn) SequenceNumbers() (read, write uint32) {
	return c.readSeq, c.writeSeq
}
