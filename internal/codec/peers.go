package codec

import (
	"encoding/binary"
	"net/netip"
)

// CompactPeerLen is the size of one IPv4 entry in a compact peer list:
// 4-byte address followed by a 2-byte port, both big-endian.
const CompactPeerLen = 6

// Peer is the addressing information handed out in an announce response.
type Peer struct {
	ID   PeerID
	IP   netip.Addr
	Port uint16
}

// AppendCompact appends the compact form of peers to dst.
// Compact form is IPv4-only: IPv6 peers are skipped.
func AppendCompact(dst []byte, peers []Peer) []byte {
	for _, p := range peers {
		ip := p.IP.Unmap()
		if !ip.Is4() {
			continue
		}
		a := ip.As4()
		dst = append(dst, a[:]...)
		dst = binary.BigEndian.AppendUint16(dst, p.Port)
	}
	return dst
}

// dictPeer is one entry of a non-compact peer list.
type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

func dictPeers(peers []Peer) []dictPeer {
	out := make([]dictPeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, dictPeer{
			PeerID: string(p.ID[:]),
			IP:     p.IP.Unmap().String(),
			Port:   int(p.Port),
		})
	}
	return out
}
