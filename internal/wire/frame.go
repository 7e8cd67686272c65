package wire

// A Frame is a parsed QUIC frame. The loss detection core only consumes ACK
// frames; dispatch is a type switch over the concrete frame structs.
type Frame interface {
	isFrame()
}

// A PingFrame is a PING frame. It carries no data.
type PingFrame struct{}

func (*PingFrame) isFrame() {}
