// Package pcapsrc turns a packet capture into traffic for the bottleneck: every
// IPv4 or IPv6 packet of the capture becomes a packet of the flow named by its
// five-tuple, offered at the capture time relative to the first packet.
package pcapsrc

import (
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/iti/aqmon"
)

// Record is one replayable packet of a capture
type Record struct {
	Offset     float64 // seconds since the first packet of the capture
	Key        aqmon.FlowKey
	SizeBytes  int // IP datagram length
	ECNCapable bool
}

// Injector is what replayed traffic is handed to.  *aqmon.TrafficGenerator satisfies it.
type Injector interface {
	Inject(at float64, key aqmon.FlowKey, sizeBytes int, ecnCapable bool) aqmon.Handle
}

// Load reads the capture file and returns its IP packets in capture order.
// Packets that carry neither IPv4 nor IPv6 are skipped.
func Load(filename string) ([]Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("pcap %s: %w", filename, err)
	}
	return Read(gopacket.NewPacketSource(rdr, rdr.LinkType()))
}

// Read drains a packet source into Records
func Read(source *gopacket.PacketSource) ([]Record, error) {
	recs := make([]Record, 0)
	var first int64
	haveFirst := false

	for {
		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return recs, err
		}

		rec, ok := recordOf(packet)
		if !ok {
			continue
		}
		stamp := packet.Metadata().CaptureInfo.Timestamp.UnixNano()
		if !haveFirst {
			first = stamp
			haveFirst = true
		}
		rec.Offset = float64(stamp-first) / 1e9
		recs = append(recs, rec)
	}
	return recs, nil
}

// recordOf extracts the five-tuple, length and ECN capability of an IP packet
func recordOf(packet gopacket.Packet) (Record, bool) {
	var rec Record
	var ok bool

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv4)
		rec.Key.SrcAddr, ok = netip.AddrFromSlice(ip.SrcIP)
		if !ok {
			return rec, false
		}
		rec.Key.DstAddr, ok = netip.AddrFromSlice(ip.DstIP)
		if !ok {
			return rec, false
		}
		rec.Key.Protocol = uint8(ip.Protocol)
		rec.SizeBytes = int(ip.Length)
		rec.ECNCapable = ip.TOS&0x3 != 0
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv6)
		rec.Key.SrcAddr, ok = netip.AddrFromSlice(ip.SrcIP)
		if !ok {
			return rec, false
		}
		rec.Key.DstAddr, ok = netip.AddrFromSlice(ip.DstIP)
		if !ok {
			return rec, false
		}
		rec.Key.Protocol = uint8(ip.NextHeader)
		rec.SizeBytes = int(ip.Length) + 40
		rec.ECNCapable = ip.TrafficClass&0x3 != 0
	} else {
		return rec, false
	}
	rec.Key.SrcAddr = rec.Key.SrcAddr.Unmap()
	rec.Key.DstAddr = rec.Key.DstAddr.Unmap()

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		rec.Key.SrcPort = uint16(tcp.SrcPort)
		rec.Key.DstPort = uint16(tcp.DstPort)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		rec.Key.SrcPort = uint16(udp.SrcPort)
		rec.Key.DstPort = uint16(udp.DstPort)
	}
	if rec.SizeBytes <= 0 {
		rec.SizeBytes = len(packet.Data())
	}
	return rec, true
}

// Replay offers every record to inj at start plus its offset, and returns how
// many were scheduled
func Replay(inj Injector, recs []Record, start float64) int {
	for _, rec := range recs {
		inj.Inject(start+rec.Offset, rec.Key, rec.SizeBytes, rec.ECNCapable)
	}
	return len(recs)
}
