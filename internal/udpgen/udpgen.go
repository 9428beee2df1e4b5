// Package udpgen builds and parses the sequence-numbered Ethernet/IPv4/UDP
// test frames exchanged by the command line tools.
package udpgen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 14 + 20 + 8
	seqLen    = 4

	// MinSize is the minimum Ethernet frame length without FCS.
	MinSize = 60
	// MaxSize is the largest frame that fits a standard 1500 byte MTU.
	MaxSize = 14 + 1500

	udpChecksumOffset = 14 + 20 + 6
)

var ErrTooShort = errors.New("frame too short")

type Config struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	// Size is the total frame length including the Ethernet header.
	Size int
}

// Template is a serialized frame whose sequence number is patched
// per packet.
type Template struct {
	frame []byte
}

// New serializes the headers once.
// The UDP checksum is left zero, which IPv4 defines as "not computed".
func New(c Config) (*Template, error) {
	if c.Size < MinSize || c.Size > MaxSize {
		return nil, fmt.Errorf("frame size %d out of range [%d, %d]", c.Size, MinSize, MaxSize)
	}
	srcIP, dstIP := c.SrcIP.To4(), c.DstIP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("IPv4 addresses required, got %s -> %s", c.SrcIP, c.DstIP)
	}
	srcMAC, dstMAC := c.SrcMAC, c.DstMAC
	if srcMAC == nil {
		srcMAC = make(net.HardwareAddr, 6)
	}
	if dstMAC == nil {
		dstMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(c.SrcPort),
		DstPort: layers.UDPPort(c.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(make([]byte, c.Size-headerLen)),
	)
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	frame := buf.Bytes()
	frame[udpChecksumOffset], frame[udpChecksumOffset+1] = 0, 0
	return &Template{frame: frame}, nil
}

// Size returns the frame length.
func (t *Template) Size() int { return len(t.frame) }

// Put writes the frame with sequence number seq into dst and returns
// the number of bytes written. dst must hold at least Size bytes.
func (t *Template) Put(dst []byte, seq uint32) int {
	n := copy(dst, t.frame)
	binary.BigEndian.PutUint32(dst[headerLen:], seq)
	return n
}

// Parser decodes frames built by a Template.
// Not safe for concurrent use, every goroutine needs its own.
type Parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &p.eth, &p.ip4, &p.udp, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// Sequence returns the sequence number carried by frame.
func (p *Parser) Sequence(frame []byte) (uint32, error) {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return 0, err
	}
	for _, lt := range p.decoded {
		if lt != layers.LayerTypeUDP {
			continue
		}
		if len(p.udp.Payload) < seqLen {
			return 0, ErrTooShort
		}
		return binary.BigEndian.Uint32(p.udp.Payload), nil
	}
	return 0, fmt.Errorf("no UDP layer in %v", p.decoded)
}

// Describe renders frame for debug output.
func Describe(frame []byte) string {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy).String()
}
