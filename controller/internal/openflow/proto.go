// Package openflow implements the controller side of a minimal OpenFlow 1.3
// channel: handshake, keepalive, flow installation and port statistics.
package openflow

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gopacket/gopacket/layers"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

// Version is the only protocol version spoken by the controller.
const Version uint8 = 0x04

// MsgType is the OpenFlow message type.
type MsgType uint8

const (
	TypeHello            MsgType = 0
	TypeError            MsgType = 1
	TypeEchoRequest      MsgType = 2
	TypeEchoReply        MsgType = 3
	TypeFeaturesRequest  MsgType = 5
	TypeFeaturesReply    MsgType = 6
	TypeFlowMod          MsgType = 14
	TypeMultipartRequest MsgType = 18
	TypeMultipartReply   MsgType = 19
)

func (m MsgType) String() string {
	switch m {
	case TypeHello:
		return "HELLO"
	case TypeError:
		return "ERROR"
	case TypeEchoRequest:
		return "ECHO_REQUEST"
	case TypeEchoReply:
		return "ECHO_REPLY"
	case TypeFeaturesRequest:
		return "FEATURES_REQUEST"
	case TypeFeaturesReply:
		return "FEATURES_REPLY"
	case TypeFlowMod:
		return "FLOW_MOD"
	case TypeMultipartRequest:
		return "MULTIPART_REQUEST"
	case TypeMultipartReply:
		return "MULTIPART_REPLY"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(m))
	}
}

const (
	headerLen       = 8
	featuresBodyLen = 24
	portStatsLen    = 112

	multipartPortStats uint16 = 4

	flowModAdd     uint8  = 0
	noBuffer       uint32 = 0xffffffff
	groupAny       uint32 = 0xffffffff
	matchTypeOXM   uint16 = 1
	instrApply     uint16 = 4
	actionOutput   uint16 = 0
	controllerMax  uint16 = 0xffe5
	oxmEthType     uint32 = 0x80000a02
	oxmIPv4Dst     uint32 = 0x80001804
	outputActLen   uint16 = 16
	instrHeaderLen uint16 = 8
)

var errShortMessage = errors.New("message is too short")

// Header is the common OpenFlow message header.
type Header struct {
	Version uint8
	Type    MsgType
	Length  uint16
	Xid     uint32
}

// Message is a raw OpenFlow message.
type Message struct {
	Header
	Body []byte
}

// ReadMessage reads a single message from the reader.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	msg := Message{
		Header: Header{
			Version: hdr[0],
			Type:    MsgType(hdr[1]),
			Length:  binary.BigEndian.Uint16(hdr[2:4]),
			Xid:     binary.BigEndian.Uint32(hdr[4:8]),
		},
	}
	if msg.Length < headerLen {
		return Message{}, fmt.Errorf("invalid message length %d", msg.Length)
	}

	msg.Body = make([]byte, msg.Length-headerLen)
	if _, err := io.ReadFull(r, msg.Body); err != nil {
		return Message{}, fmt.Errorf("failed to read %s body: %w", msg.Type, err)
	}

	return msg, nil
}

// AppendMessage encodes a message with the given type, transaction id and
// body and appends it to buf.
func AppendMessage(buf []byte, typ MsgType, xid uint32, body []byte) []byte {
	buf = append(buf, Version, uint8(typ))
	buf = binary.BigEndian.AppendUint16(buf, uint16(headerLen+len(body)))
	buf = binary.BigEndian.AppendUint32(buf, xid)
	return append(buf, body...)
}

// DecodeFeaturesReply returns the datapath ID from a FEATURES_REPLY body.
func DecodeFeaturesReply(body []byte) (fabric.DatapathID, error) {
	if len(body) < featuresBodyLen {
		return 0, fmt.Errorf("FEATURES_REPLY: %w", errShortMessage)
	}
	return fabric.DatapathID(binary.BigEndian.Uint64(body[0:8])), nil
}

// EncodePortStatsRequest encodes a MULTIPART_REQUEST body asking for the
// counters of the given port.
func EncodePortStatsRequest(port fabric.PortNo) []byte {
	body := make([]byte, 0, 16)
	body = binary.BigEndian.AppendUint16(body, multipartPortStats)
	body = binary.BigEndian.AppendUint16(body, 0)
	body = append(body, 0, 0, 0, 0)
	body = binary.BigEndian.AppendUint32(body, uint32(port))
	body = append(body, 0, 0, 0, 0)
	return body
}

// DecodePortStatsReply decodes a MULTIPART_REPLY body.
//
// The second return value is false for multipart replies of other kinds.
func DecodePortStatsReply(body []byte) ([]fabric.PortStats, bool, error) {
	if len(body) < 8 {
		return nil, false, fmt.Errorf("MULTIPART_REPLY: %w", errShortMessage)
	}
	if binary.BigEndian.Uint16(body[0:2]) != multipartPortStats {
		return nil, false, nil
	}

	entries := body[8:]
	if len(entries)%portStatsLen != 0 {
		return nil, true, fmt.Errorf("port stats length %d is not a multiple of %d", len(entries), portStatsLen)
	}

	stats := make([]fabric.PortStats, 0, len(entries)/portStatsLen)
	for off := 0; off < len(entries); off += portStatsLen {
		entry := entries[off : off+portStatsLen]
		stats = append(stats, fabric.PortStats{
			PortNo:  fabric.PortNo(binary.BigEndian.Uint32(entry[0:4])),
			RxBytes: binary.BigEndian.Uint64(entry[24:32]),
			TxBytes: binary.BigEndian.Uint64(entry[32:40]),
		})
	}

	return stats, true, nil
}

// EncodeFlowMod encodes a FLOW_MOD body adding the given rule.
func EncodeFlowMod(rule fabric.FlowRule) ([]byte, error) {
	if !rule.Match.IPv4Dst.Is4() {
		return nil, fmt.Errorf("rule %s: destination is not an IPv4 address", rule)
	}

	body := make([]byte, 0, 88)
	body = binary.BigEndian.AppendUint64(body, 0) // cookie
	body = binary.BigEndian.AppendUint64(body, 0) // cookie mask
	body = append(body, 0, flowModAdd)            // table, command
	body = binary.BigEndian.AppendUint16(body, 0) // idle timeout
	body = binary.BigEndian.AppendUint16(body, 0) // hard timeout
	body = binary.BigEndian.AppendUint16(body, rule.Priority)
	body = binary.BigEndian.AppendUint32(body, noBuffer)
	body = binary.BigEndian.AppendUint32(body, uint32(fabric.PortAny))
	body = binary.BigEndian.AppendUint32(body, groupAny)
	body = binary.BigEndian.AppendUint16(body, 0) // flags
	body = append(body, 0, 0)

	body = appendMatch(body, rule.Match)

	body = binary.BigEndian.AppendUint16(body, instrApply)
	body = binary.BigEndian.AppendUint16(body, instrHeaderLen+outputActLen)
	body = append(body, 0, 0, 0, 0)
	body = binary.BigEndian.AppendUint16(body, actionOutput)
	body = binary.BigEndian.AppendUint16(body, outputActLen)
	body = binary.BigEndian.AppendUint32(body, uint32(rule.OutPort))
	body = binary.BigEndian.AppendUint16(body, controllerMax)
	body = append(body, 0, 0, 0, 0, 0, 0)

	return body, nil
}

// appendMatch appends an OXM match on EtherType and IPv4 destination,
// padded to 8 bytes.
func appendMatch(buf []byte, match fabric.Match) []byte {
	ethType := match.EtherType
	if ethType == 0 {
		ethType = layers.EthernetTypeIPv4
	}
	dst := match.IPv4Dst.As4()

	const length = 4 + 4 + 2 + 4 + 4
	buf = binary.BigEndian.AppendUint16(buf, matchTypeOXM)
	buf = binary.BigEndian.AppendUint16(buf, length)
	buf = binary.BigEndian.AppendUint32(buf, oxmEthType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(ethType))
	buf = binary.BigEndian.AppendUint32(buf, oxmIPv4Dst)
	buf = append(buf, dst[:]...)

	return append(buf, make([]byte, (8-length%8)%8)...)
}

// DecodeError returns the type and code of an ERROR message body.
func DecodeError(body []byte) (uint16, uint16, error) {
	if len(body) < 4 {
		return 0, 0, fmt.Errorf("ERROR: %w", errShortMessage)
	}
	return binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint16(body[2:4]), nil
}
