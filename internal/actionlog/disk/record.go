package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/tpcd/internal/actionlog"
)

const (
	recordMagic   = uint32(0x54504344) // "TPCD"
	recordVersion = uint8(1)
	headerSize    = 16
)

type recordType uint8

const (
	recordAppend recordType = iota + 1
	recordExecuted
	recordPurge
)

func (t recordType) String() string {
	switch t {
	case recordAppend:
		return "append"
	case recordExecuted:
		return "executed"
	case recordPurge:
		return "purge"
	default:
		return fmt.Sprintf("record(%d)", uint8(t))
	}
}

type recordHeader struct {
	recType    recordType
	payloadLen uint32
	payloadCRC uint32
}

func encodeHeader(buf []byte, hdr recordHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = byte(hdr.recType)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.payloadLen)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.payloadCRC)
}

func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < headerSize {
		return recordHeader{}, fmt.Errorf("disk: record header short read")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return recordHeader{}, fmt.Errorf("disk: record header magic mismatch")
	}
	if buf[4] != recordVersion {
		return recordHeader{}, fmt.Errorf("disk: record header version %d unsupported", buf[4])
	}
	hdr := recordHeader{
		recType:    recordType(buf[5]),
		payloadLen: binary.LittleEndian.Uint32(buf[8:12]),
		payloadCRC: binary.LittleEndian.Uint32(buf[12:16]),
	}
	switch hdr.recType {
	case recordAppend, recordExecuted, recordPurge:
	default:
		return recordHeader{}, fmt.Errorf("disk: unknown record type %d", buf[5])
	}
	return hdr, nil
}

// Field numbers of the record payload. Every record type uses a subset.
const (
	fieldInstance    protowire.Number = 1
	fieldSequence    protowire.Number = 2
	fieldKind        protowire.Number = 3
	fieldParticipant protowire.Number = 4
	fieldPayload     protowire.Number = 5
	fieldCreatedAt   protowire.Number = 6
	fieldExecutedAt  protowire.Number = 7
)

type record struct {
	recType     recordType
	instanceID  string
	sequence    uint64
	kind        actionlog.Kind
	participant string
	payload     []byte
	createdAt   int64
	executedAt  int64
}

func marshalRecord(rec record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldInstance, protowire.BytesType)
	b = protowire.AppendString(b, rec.instanceID)
	if rec.recType == recordPurge {
		return b
	}
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, rec.sequence)
	if rec.recType == recordExecuted {
		b = protowire.AppendTag(b, fieldExecutedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.executedAt))
		return b
	}
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, string(rec.kind))
	if rec.participant != "" {
		b = protowire.AppendTag(b, fieldParticipant, protowire.BytesType)
		b = protowire.AppendString(b, rec.participant)
	}
	if len(rec.payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.payload)
	}
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.createdAt))
	return b
}

func unmarshalRecord(recType recordType, b []byte) (record, error) {
	rec := record{recType: recType}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldInstance || num == fieldKind || num == fieldParticipant || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return record{}, protowire.ParseError(n)
			}
			switch num {
			case fieldInstance:
				rec.instanceID = string(v)
			case fieldKind:
				kind, err := actionlog.ParseKind(string(v))
				if err != nil {
					return record{}, err
				}
				rec.kind = kind
			case fieldParticipant:
				rec.participant = string(v)
			case fieldPayload:
				rec.payload = append([]byte(nil), v...)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldSequence || num == fieldCreatedAt || num == fieldExecutedAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return record{}, protowire.ParseError(n)
			}
			switch num {
			case fieldSequence:
				rec.sequence = v
			case fieldCreatedAt:
				rec.createdAt = int64(v)
			case fieldExecutedAt:
				rec.executedAt = int64(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if rec.instanceID == "" {
		return record{}, fmt.Errorf("disk: %s record without instance id", recType)
	}
	if recType != recordPurge && rec.sequence == 0 {
		return record{}, fmt.Errorf("disk: %s record without sequence", recType)
	}
	if recType == recordAppend && rec.kind == "" {
		return record{}, fmt.Errorf("disk: append record without kind")
	}
	return rec, nil
}

func encodeRecord(rec record) []byte {
	payload := marshalRecord(rec)
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, recordHeader{
		recType:    rec.recType,
		payloadLen: uint32(len(payload)),
		payloadCRC: crc32.ChecksumIEEE(payload),
	})
	copy(buf[headerSize:], payload)
	return buf
}
