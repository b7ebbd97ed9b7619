package protocol

// A PacketWriter sends one SSH packet payload (beginning with the message number) to the peer.
type PacketWriter interface {
	WritePacket(payload []byte) error
}

// A PacketReader blocks until the peer's next packet payload is available.
//
// The returned slice is owned by the caller.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// PacketConn is a bidirectional packet channel.
type PacketConn interface {
	PacketReader
	PacketWriter
}
