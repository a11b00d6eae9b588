package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/schema"
	"github.com/danmuck/hulink/internal/protocol/tlv"
)

var ErrInvalidControl = errors.New("session: invalid control payload")

// Control is the decoded parameter set of one control message. Zero values
// mean the field was absent.
type Control struct {
	CorrelationID    string
	HashID           HashID
	Encrypted        bool
	HasEncrypted     bool
	RejectedParams   []string
	ProtocolVersion  uint8
	MTU              uint32
	AuthToken        string
	DataSize         uint32
	Reason           string
	TransportKind    string
	TransportAddress string
}

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EncodeControl serializes c as the payload for a control message of kind
// info and validates it against the control schema.
func EncodeControl(info protocol.ControlInfo, c Control) ([]byte, error) {
	var fields []tlv.Field
	if corr := strings.TrimSpace(c.CorrelationID); corr != "" {
		fields = append(fields, tlv.String(schema.FieldCorrelationID, corr))
	}
	if c.HashID != NoHash {
		fields = append(fields, tlv.U32(schema.FieldHashID, uint32(c.HashID)))
	}
	if c.HasEncrypted {
		fields = append(fields, tlv.Bool(schema.FieldEncrypted, c.Encrypted))
	}
	for _, p := range c.RejectedParams {
		fields = append(fields, tlv.String(schema.FieldRejectedParam, p))
	}
	if c.ProtocolVersion != 0 {
		fields = append(fields, tlv.U8(schema.FieldProtocolVersion, c.ProtocolVersion))
	}
	if c.MTU != 0 {
		fields = append(fields, tlv.U32(schema.FieldMTU, c.MTU))
	}
	if c.AuthToken != "" {
		fields = append(fields, tlv.String(schema.FieldAuthToken, c.AuthToken))
	}
	if c.DataSize != 0 || info == protocol.ControlServiceDataACK {
		fields = append(fields, tlv.U32(schema.FieldDataSize, c.DataSize))
	}
	if c.Reason != "" {
		fields = append(fields, tlv.String(schema.FieldReason, c.Reason))
	}
	if c.TransportKind != "" {
		fields = append(fields, tlv.String(schema.FieldTransportKind, c.TransportKind))
	}
	if c.TransportAddress != "" {
		fields = append(fields, tlv.String(schema.FieldTransportAddr, c.TransportAddress))
	}
	if err := schema.Validate(uint8(info), fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return tlv.EncodeFields(fields), nil
}

// DecodeControl parses and validates the payload of a control message.
func DecodeControl(info protocol.ControlInfo, payload []byte) (Control, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if err := schema.Validate(uint8(info), fields); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}

	var c Control
	for _, f := range fields {
		var ferr error
		switch f.ID {
		case schema.FieldCorrelationID:
			c.CorrelationID, ferr = f.Str()
		case schema.FieldHashID:
			var v uint32
			v, ferr = f.U32()
			c.HashID = HashID(v)
		case schema.FieldEncrypted:
			c.Encrypted, ferr = f.Bool()
			c.HasEncrypted = ferr == nil
		case schema.FieldRejectedParam:
			var p string
			p, ferr = f.Str()
			c.RejectedParams = append(c.RejectedParams, p)
		case schema.FieldProtocolVersion:
			c.ProtocolVersion, ferr = f.U8()
		case schema.FieldMTU:
			c.MTU, ferr = f.U32()
		case schema.FieldAuthToken:
			c.AuthToken, ferr = f.Str()
		case schema.FieldDataSize:
			c.DataSize, ferr = f.U32()
		case schema.FieldReason:
			c.Reason, ferr = f.Str()
		case schema.FieldTransportKind:
			c.TransportKind, ferr = f.Str()
		case schema.FieldTransportAddr:
			c.TransportAddress, ferr = f.Str()
		}
		if ferr != nil {
			return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, ferr)
		}
	}
	return c, nil
}

// ControlMessage builds a complete control message.
func ControlMessage(info protocol.ControlInfo, st protocol.SessionType, id uint8, version uint8, c Control) (protocol.Message, error) {
	payload, err := EncodeControl(info, c)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{
		SessionType: st,
		SessionID:   id,
		Version:     version,
		Role:        protocol.RoleControl,
		ControlInfo: info,
		Encrypted:   c.HasEncrypted && c.Encrypted,
		Payload:     payload,
	}, nil
}
