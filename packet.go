package aqmon

// packet.go holds the records that move between traffic sources, the
// bottleneck queue and the flow monitor

import (
	"fmt"
	"net/netip"
	"strconv"
)

// IP protocol numbers a FlowKey commonly carries
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

var protoToStr = map[uint8]string{ProtoICMP: "icmp", ProtoTCP: "tcp", ProtoUDP: "udp"}

// protoFromStr maps the protocol names accepted in scenario files to protocol numbers
func protoFromStr(proto string) (uint8, bool) {
	switch proto {
	case "udp", "UDP", "":
		return ProtoUDP, true
	case "tcp", "TCP":
		return ProtoTCP, true
	case "icmp", "ICMP":
		return ProtoICMP, true
	}
	num, err := strconv.ParseUint(proto, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(num), true
}

// FlowKey is the five-tuple identifying a flow.  It is comparable and used as a map key
type FlowKey struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

func (fk FlowKey) String() string {
	proto, present := protoToStr[fk.Protocol]
	if !present {
		proto = strconv.Itoa(int(fk.Protocol))
	}
	return fmt.Sprintf("%s -> %s (%s)",
		netip.AddrPortFrom(fk.SrcAddr, fk.SrcPort),
		netip.AddrPortFrom(fk.DstAddr, fk.DstPort), proto)
}

// Reverse returns the key of the flow travelling the other way
func (fk FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcAddr:  fk.DstAddr,
		DstAddr:  fk.SrcAddr,
		Protocol: fk.Protocol,
		SrcPort:  fk.DstPort,
		DstPort:  fk.SrcPort,
	}
}

// Packet is handed from event to event by value; no two events share one
type Packet struct {
	UID         uint64  // unique within a run
	Flow        FlowKey // five-tuple the packet is classified under
	SizeBytes   int
	SendTime    float64 // when the source emitted the packet
	EnqueueTime float64 // when the packet was offered to the bottleneck queue
	ECNCapable  bool
	Marked      bool // congestion experienced
}

// withMark returns a copy of the packet carrying the congestion-experienced mark
func (p Packet) withMark() Packet {
	p.Marked = true
	return p
}

// Decision is the outcome of offering a packet to the queue discipline
type Decision int

const (
	Accept Decision = iota
	Drop
	Mark
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Mark:
		return "mark"
	}
	return "unknown"
}
