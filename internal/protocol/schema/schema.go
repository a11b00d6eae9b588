package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/hulink/internal/protocol/tlv"
)

// Control message types, numbered by the control info byte they travel
// under.
const (
	MsgHeartbeat             uint8 = 0x00
	MsgStartSession          uint8 = 0x01
	MsgStartSessionACK       uint8 = 0x02
	MsgStartSessionNACK      uint8 = 0x03
	MsgEndSession            uint8 = 0x04
	MsgEndSessionACK         uint8 = 0x05
	MsgEndSessionNACK        uint8 = 0x06
	MsgRegisterSecondary     uint8 = 0x07
	MsgRegisterSecondaryACK  uint8 = 0x08
	MsgRegisterSecondaryNACK uint8 = 0x09
	MsgServiceDataACK        uint8 = 0xFE
	MsgHeartbeatACK          uint8 = 0xFF
)

// Field IDs of the control payload contract.
const (
	FieldCorrelationID   uint16 = 1
	FieldHashID          uint16 = 2
	FieldEncrypted       uint16 = 3
	FieldRejectedParam   uint16 = 4
	FieldProtocolVersion uint16 = 5
	FieldMTU             uint16 = 6
	FieldAuthToken       uint16 = 7
	FieldDataSize        uint16 = 8
	FieldReason          uint16 = 9
	FieldTransportKind   uint16 = 10
	FieldTransportAddr   uint16 = 11
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%#x: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%#x field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var corrOnly = []Requirement{{FieldCorrelationID, tlv.TypeString}}

var requirements = map[uint8][]Requirement{
	MsgHeartbeat:             nil,
	MsgHeartbeatACK:          nil,
	MsgStartSession:          corrOnly,
	MsgStartSessionACK:       corrOnly,
	MsgStartSessionNACK:      corrOnly,
	MsgEndSession:            corrOnly,
	MsgEndSessionACK:         corrOnly,
	MsgEndSessionNACK:        corrOnly,
	MsgRegisterSecondary:     corrOnly,
	MsgRegisterSecondaryACK:  corrOnly,
	MsgRegisterSecondaryNACK: corrOnly,
	MsgServiceDataACK: {
		{FieldDataSize, tlv.TypeU32},
	},
}

// optional fields are type-checked when present.
var optional = map[uint16]uint8{
	FieldHashID:          tlv.TypeU32,
	FieldEncrypted:       tlv.TypeBool,
	FieldRejectedParam:   tlv.TypeString,
	FieldProtocolVersion: tlv.TypeU8,
	FieldMTU:             tlv.TypeU32,
	FieldAuthToken:       tlv.TypeString,
	FieldReason:          tlv.TypeString,
	FieldTransportKind:   tlv.TypeString,
	FieldTransportAddr:   tlv.TypeString,
}

// Known reports whether messageType has a registered contract.
func Known(messageType uint8) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and the types of known fields for a
// control message type. Unknown field ids are ignored.
func Validate(messageType uint8, fields []tlv.Field) error {
	log.Trace().Uint8("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint8("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint8("message_type", messageType).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Uint8("message_type", messageType).Uint16("field_id", req.ID).
				Uint8("got", f.Type).Uint8("want", req.Type).Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		want, known := optional[f.ID]
		if known && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
