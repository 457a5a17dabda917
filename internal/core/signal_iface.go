package core

// Frame is a raw JSON payload bound for one client.
type Frame []byte

// SignalConnection abstracts for a system messaging transport.
// Owned by the adapter; the adapter must Close() it. TrySend never blocks:
// a full send buffer is an error, not a stall.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
