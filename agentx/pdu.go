package agentx

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants from RFC 2741. All PDUs this package emits use
// little-endian encoding (the NETWORK_BYTE_ORDER header flag unset), and
// incoming PDUs are required to do the same, which matches what net-snmp
// masters negotiate on the usual platforms.
const protocolVersion = 1

const headerLength = 20

// PDU types.
const (
	pduOpen uint8 = iota + 1
	pduClose
	pduRegister
	pduUnregister
	pduGet
	pduGetNext
	pduGetBulk
	pduTestSet
	pduCommitSet
	pduUndoSet
	pduCleanupSet
	pduNotify
	pduPing
	pduIndexAllocate
	pduIndexDeallocate
	pduAddAgentCaps
	pduRemoveAgentCaps
	pduResponse
)

// Header flag bits.
const (
	flagInstanceRegistration uint8 = 0x01
	flagNetworkByteOrder     uint8 = 0x10
)

// Varbind types. The numeric space coincides with the ASN.1 application
// tags SNMP uses, which is why the scalar layer can hand us gosnmp tags
// cast to uint16.
const (
	TypeInteger          uint16 = 2
	TypeOctetString      uint16 = 4
	TypeNull             uint16 = 5
	TypeObjectIdentifier uint16 = 6
	TypeIPAddress        uint16 = 64
	TypeCounter32        uint16 = 65
	TypeGauge32          uint16 = 66
	TypeTimeTicks        uint16 = 67
	TypeOpaque           uint16 = 68
	TypeCounter64        uint16 = 70
	TypeNoSuchObject     uint16 = 128
	TypeNoSuchInstance   uint16 = 129
	TypeEndOfMIBView     uint16 = 130
)

// Response error codes. The first group is SNMPv2 PDU errors used while
// servicing set transactions; the second is AgentX administrative errors.
const (
	ErrNoError      uint16 = 0
	ErrGenErr       uint16 = 5
	ErrNoAccess     uint16 = 6
	ErrWrongType    uint16 = 7
	ErrWrongLength  uint16 = 8
	ErrWrongValue   uint16 = 10
	ErrNoCreation   uint16 = 11
	ErrCommitFailed uint16 = 14
	ErrUndoFailed   uint16 = 15
	ErrNotWritable  uint16 = 17

	ErrOpenFailed       uint16 = 256
	ErrNotOpen          uint16 = 257
	ErrDuplicateRegistr uint16 = 263
	ErrParseError       uint16 = 266
)

// Close reasons.
const (
	closeReasonShutdown uint8 = 2
)

// Varbind couples an OID with a typed value.
type Varbind struct {
	Type  uint16
	Name  OID
	Value any
}

// SearchRange bounds one lookup in a Get/GetNext/GetBulk PDU.
type SearchRange struct {
	Start   OID
	Include bool
	End     OID
}

// header is the fixed 20-byte PDU header.
type header struct {
	Type          uint8
	Flags         uint8
	SessionID     uint32
	TransactionID uint32
	PacketID      uint32
	PayloadLength uint32
}

func (h header) marshal() []byte {
	buf := make([]byte, headerLength)
	buf[0] = protocolVersion
	buf[1] = h.Type
	buf[2] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:], h.SessionID)
	binary.LittleEndian.PutUint32(buf[8:], h.TransactionID)
	binary.LittleEndian.PutUint32(buf[12:], h.PacketID)
	binary.LittleEndian.PutUint32(buf[16:], h.PayloadLength)
	return buf
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < headerLength {
		return header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if buf[0] != protocolVersion {
		return header{}, fmt.Errorf("unsupported AgentX version %d", buf[0])
	}
	if buf[2]&flagNetworkByteOrder != 0 {
		return header{}, fmt.Errorf("network byte order PDUs not supported")
	}
	return header{
		Type:          buf[1],
		Flags:         buf[2],
		SessionID:     binary.LittleEndian.Uint32(buf[4:]),
		TransactionID: binary.LittleEndian.Uint32(buf[8:]),
		PacketID:      binary.LittleEndian.Uint32(buf[12:]),
		PayloadLength: binary.LittleEndian.Uint32(buf[16:]),
	}, nil
}

// encoder accumulates a PDU payload.
type encoder struct {
	b []byte
}

func (e *encoder) u16(v uint16) {
	e.b = binary.LittleEndian.AppendUint16(e.b, v)
}

func (e *encoder) u32(v uint32) {
	e.b = binary.LittleEndian.AppendUint32(e.b, v)
}

func (e *encoder) u64(v uint64) {
	e.b = binary.LittleEndian.AppendUint64(e.b, v)
}

// oid writes the RFC 2741 object identifier encoding, applying the
// internet-prefix compression where possible.
func (e *encoder) oid(o OID, include bool) {
	subs := o
	var prefix uint8
	// A prefix byte of 0 means "no prefix" on the wire, so a fifth
	// sub-identifier of 0 must stay uncompressed.
	if len(o) >= 5 && o[0] == 1 && o[1] == 3 && o[2] == 6 && o[3] == 1 && o[4] >= 1 && o[4] <= 255 {
		prefix = uint8(o[4])
		subs = o[5:]
	}

	inc := uint8(0)
	if include {
		inc = 1
	}
	e.b = append(e.b, uint8(len(subs)), prefix, inc, 0)
	for _, sub := range subs {
		e.u32(sub)
	}
}

// octets writes a length-prefixed byte string padded to a 4-byte boundary.
func (e *encoder) octets(b []byte) {
	e.u32(uint32(len(b)))
	e.b = append(e.b, b...)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		e.b = append(e.b, make([]byte, pad)...)
	}
}

func (e *encoder) varbind(vb Varbind) error {
	e.u16(vb.Type)
	e.u16(0)
	e.oid(vb.Name, false)

	switch vb.Type {
	case TypeInteger:
		v, ok := vb.Value.(int32)
		if !ok {
			return fmt.Errorf("varbind %s: Integer needs int32, got %T", vb.Name, vb.Value)
		}
		e.u32(uint32(v))
	case TypeCounter32, TypeGauge32, TypeTimeTicks:
		v, ok := vb.Value.(uint32)
		if !ok {
			return fmt.Errorf("varbind %s: type %d needs uint32, got %T", vb.Name, vb.Type, vb.Value)
		}
		e.u32(v)
	case TypeCounter64:
		v, ok := vb.Value.(uint64)
		if !ok {
			return fmt.Errorf("varbind %s: Counter64 needs uint64, got %T", vb.Name, vb.Value)
		}
		e.u64(v)
	case TypeOctetString, TypeIPAddress, TypeOpaque:
		v, ok := vb.Value.([]byte)
		if !ok {
			return fmt.Errorf("varbind %s: type %d needs []byte, got %T", vb.Name, vb.Type, vb.Value)
		}
		e.octets(v)
	case TypeObjectIdentifier:
		v, ok := vb.Value.(OID)
		if !ok {
			return fmt.Errorf("varbind %s: ObjectIdentifier needs OID, got %T", vb.Name, vb.Value)
		}
		e.oid(v, false)
	case TypeNull, TypeNoSuchObject, TypeNoSuchInstance, TypeEndOfMIBView:
		// No payload.
	default:
		return fmt.Errorf("varbind %s: unsupported type %d", vb.Name, vb.Type)
	}
	return nil
}

// decoder walks a PDU payload. The first failed read latches err and turns
// all further reads into no-ops, so parse code can stay linear.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.b) {
		d.fail("truncated PDU: need %d bytes at offset %d", n, d.off)
		return nil
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) oid() (OID, bool) {
	nSubs := int(d.u8())
	prefix := d.u8()
	include := d.u8() == 1
	d.u8() // reserved

	var oid OID
	if prefix != 0 {
		oid = OID{1, 3, 6, 1, uint32(prefix)}
	}
	for i := 0; i < nSubs; i++ {
		oid = append(oid, d.u32())
	}
	return oid, include
}

func (d *decoder) octets() []byte {
	n := int(d.u32())
	if d.err == nil && n > len(d.b)-d.off {
		d.fail("octet string length %d exceeds payload", n)
		return nil
	}
	b := d.take(n)
	if pad := (4 - n%4) % 4; pad > 0 {
		d.take(pad)
	}
	return append([]byte(nil), b...)
}

func (d *decoder) varbind() Varbind {
	vb := Varbind{Type: d.u16()}
	d.u16() // reserved
	vb.Name, _ = d.oid()

	switch vb.Type {
	case TypeInteger:
		vb.Value = int32(d.u32())
	case TypeCounter32, TypeGauge32, TypeTimeTicks:
		vb.Value = d.u32()
	case TypeCounter64:
		vb.Value = d.u64()
	case TypeOctetString, TypeIPAddress, TypeOpaque:
		vb.Value = d.octets()
	case TypeObjectIdentifier:
		vb.Value, _ = d.oid()
	case TypeNull, TypeNoSuchObject, TypeNoSuchInstance, TypeEndOfMIBView:
		vb.Value = nil
	default:
		d.fail("unsupported varbind type %d", vb.Type)
	}
	return vb
}

func (d *decoder) searchRange() SearchRange {
	var sr SearchRange
	sr.Start, sr.Include = d.oid()
	sr.End, _ = d.oid()
	return sr
}

func (d *decoder) searchRanges() []SearchRange {
	var ranges []SearchRange
	for d.err == nil && d.off < len(d.b) {
		ranges = append(ranges, d.searchRange())
	}
	return ranges
}

func (d *decoder) varbinds() []Varbind {
	var vbs []Varbind
	for d.err == nil && d.off < len(d.b) {
		vbs = append(vbs, d.varbind())
	}
	return vbs
}

// Outbound PDU payloads.

func marshalOpen(timeout uint8, id OID, descr string) []byte {
	var e encoder
	e.b = append(e.b, timeout, 0, 0, 0)
	e.oid(id, false)
	e.octets([]byte(descr))
	return e.b
}

func marshalClose(reason uint8) []byte {
	return []byte{reason, 0, 0, 0}
}

func marshalRegister(timeout, priority uint8, subtree OID) []byte {
	var e encoder
	e.b = append(e.b, timeout, priority, 0, 0)
	e.oid(subtree, false)
	return e.b
}

func marshalUnregister(priority uint8, subtree OID) []byte {
	var e encoder
	e.b = append(e.b, 0, priority, 0, 0)
	e.oid(subtree, false)
	return e.b
}

func marshalResponse(sysUptime uint32, errCode, errIndex uint16, vbs []Varbind) ([]byte, error) {
	var e encoder
	e.u32(sysUptime)
	e.u16(errCode)
	e.u16(errIndex)
	for _, vb := range vbs {
		if err := e.varbind(vb); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

// responsePDU is a parsed Response payload.
type responsePDU struct {
	SysUptime uint32
	Error     uint16
	Index     uint16
	Varbinds  []Varbind
}

func parseResponse(payload []byte) (responsePDU, error) {
	d := decoder{b: payload}
	resp := responsePDU{
		SysUptime: d.u32(),
		Error:     d.u16(),
		Index:     d.u16(),
	}
	if d.off < len(d.b) {
		resp.Varbinds = d.varbinds()
	}
	return resp, d.err
}

// getBulkPDU is a parsed GetBulk payload.
type getBulkPDU struct {
	NonRepeaters   uint16
	MaxRepetitions uint16
	Ranges         []SearchRange
}

func parseGetBulk(payload []byte) (getBulkPDU, error) {
	d := decoder{b: payload}
	pdu := getBulkPDU{
		NonRepeaters:   d.u16(),
		MaxRepetitions: d.u16(),
	}
	pdu.Ranges = d.searchRanges()
	return pdu, d.err
}

func parseSearchRanges(payload []byte) ([]SearchRange, error) {
	d := decoder{b: payload}
	ranges := d.searchRanges()
	return ranges, d.err
}

func parseVarbinds(payload []byte) ([]Varbind, error) {
	d := decoder{b: payload}
	vbs := d.varbinds()
	return vbs, d.err
}
