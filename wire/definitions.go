package wire

// IPProto represents the IP protocol number carried in the IPv4 Protocol
// field and the IPv6 Next Header field.
type IPProto uint8

// IP protocol numbers, see https://www.iana.org/assignments/protocol-numbers/protocol-numbers.xhtml
const (
	IPProtoHopByHop IPProto = 0   // IPv6 Hop-by-Hop Option [RFC8200]
	IPProtoICMP     IPProto = 1   // Internet Control Message [RFC792]
	IPProtoIGMP     IPProto = 2   // Internet Group Management [RFC1112]
	IPProtoTCP      IPProto = 6   // Transmission Control [RFC793]
	IPProtoUDP      IPProto = 17  // User Datagram [RFC768]
	IPProtoIPv6     IPProto = 41  // IPv6 encapsulation [RFC2473]
	IPProtoGRE      IPProto = 47  // Generic Routing Encapsulation [RFC2784]
	IPProtoESP      IPProto = 50  // Encap Security Payload [RFC4303]
	IPProtoAH       IPProto = 51  // Authentication Header [RFC4302]
	IPProtoIPv6ICMP IPProto = 58  // ICMP for IPv6 [RFC8200]
	IPProtoSCTP     IPProto = 132 // Stream Control Transmission Protocol
)

func (p IPProto) String() string {
	switch p {
	case IPProtoHopByHop:
		return "HopByHop"
	case IPProtoICMP:
		return "ICMP"
	case IPProtoIGMP:
		return "IGMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoIPv6:
		return "IPv6"
	case IPProtoGRE:
		return "GRE"
	case IPProtoESP:
		return "ESP"
	case IPProtoAH:
		return "AH"
	case IPProtoIPv6ICMP:
		return "IPv6ICMP"
	case IPProtoSCTP:
		return "SCTP"
	default:
		return "IPProto(?)"
	}
}
