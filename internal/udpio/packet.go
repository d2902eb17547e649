package udpio

import (
	"net/netip"
)

// Endpoint is an IP+port pair, v4 or v6.
type Endpoint = netip.AddrPort

// Block is one node of an ordered, zero-copy, shared payload chain — the
// Go stand-in for IOBufferBlock. A Block's bytes are never mutated once
// attached to a Packet; callers that need to keep writing into a buffer
// must allocate a fresh Block for the next append.
type Block struct {
	data []byte
	next *Block
}

// NewBlock wraps data as a single payload block. data is not copied.
func NewBlock(data []byte) *Block {
	return &Block{data: data}
}

// Bytes returns this block's bytes. Callers must not mutate the result.
func (b *Block) Bytes() []byte { return b.data }

// Len returns this block's readable size.
func (b *Block) Len() int { return len(b.data) }

// Next returns the next block in the chain, or nil at the tail.
func (b *Block) Next() *Block { return b.next }

// bucketKind records which list currently owns a Packet, replacing the
// source's dual in_heap/bucket-index fields (spec §9) with a single enum.
type bucketKind uint8

const (
	bucketNone bucketKind = iota
	bucketSlot
	bucketLongTerm
)

type bucketRef struct {
	kind bucketKind
	slot int
}

// Packet owns a datagram payload chain plus, for outbound packets,
// scheduling metadata. A Packet belongs to at most one list at a time
// (intake, wheel bucket, long-term, local send list, or none) — listNext is
// the single intrusive link used by whichever list currently holds it.
type Packet struct {
	From, To Endpoint

	head, tail  *Block
	length      int
	lengthValid bool

	// SegmentSize, when non-zero, requests GSO-style segmentation of the
	// datagram into SegmentSize-byte segments (spec §3). Zero disables it.
	SegmentSize int

	// DeliveryTime is the earliest monotonic instant (nanoseconds, same
	// epoch as wheel.now) at which this outbound packet may be sent. Zero
	// means "send as soon as possible".
	DeliveryTime int64

	// CancelGeneration is a snapshot of Owner's send generation taken when
	// the packet was enqueued. A Packet whose CancelGeneration no longer
	// matches Owner's current generation at dequeue time is dropped
	// silently (spec §4.4 cancel()).
	CancelGeneration uint64

	// Owner is a strong reference to the connection this packet is queued
	// against; it keeps the connection alive while the packet is in
	// flight.
	Owner *Connection

	bucket   bucketRef
	listNext *Packet
}

// NewOutbound builds a Packet scheduled for delivery no earlier than
// deliveryTime (0 = ASAP), targeting to. payload may be nil for an empty
// datagram.
func NewOutbound(to Endpoint, deliveryTime int64, payload *Block, segmentSize int) *Packet {
	p := &Packet{To: to, DeliveryTime: deliveryTime, SegmentSize: segmentSize}
	if payload != nil {
		p.head, p.tail = payload, lastBlock(payload)
	}
	return p
}

// NewInbound builds a Packet representing one received datagram.
func NewInbound(from, to Endpoint, payload *Block) *Packet {
	p := &Packet{From: from, To: to}
	if payload != nil {
		p.head, p.tail = payload, lastBlock(payload)
	}
	return p
}

func lastBlock(b *Block) *Block {
	for b.next != nil {
		b = b.next
	}
	return b
}

// AppendBlock appends b to the end of the payload chain.
func (p *Packet) AppendBlock(b *Block) {
	if b == nil {
		return
	}
	if p.head == nil {
		p.head = b
	} else {
		p.tail.next = b
	}
	p.tail = lastBlock(b)
	p.lengthValid = false
}

// Length returns the sum of the payload chain's block sizes, computed
// lazily and cached until the next AppendBlock.
func (p *Packet) Length() int {
	if !p.lengthValid {
		n := 0
		for b := p.head; b != nil; b = b.next {
			n += len(b.data)
		}
		p.length = n
		p.lengthValid = true
	}
	return p.length
}

// EntireBuffer materialises a contiguous view of the payload, copying
// blocks into a freshly owned buffer only if the chain has more than one
// block. The error return exists for parity with the source contract
// (spec §4.1); a Go slice allocation here only fails by panicking on
// genuine memory exhaustion, which this method does not attempt to
// recover from.
func (p *Packet) EntireBuffer() ([]byte, error) {
	if p.head == nil {
		return nil, nil
	}
	if p.head.next == nil {
		return p.head.data, nil
	}
	buf := make([]byte, 0, p.Length())
	for b := p.head; b != nil; b = b.next {
		buf = append(buf, b.data...)
	}
	return buf, nil
}

// Blocks returns the head of the payload chain for callers that want to
// walk blocks without copying (e.g. WriteBatch framing).
func (p *Packet) Blocks() *Block { return p.head }
