package negotiate

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"binaric/package/shared"
)

// Kind identifies a control message.
type Kind uint8

const (
	Hello Kind = iota + 1
	Caps
	Confirm
	Echo
	Abort
	Heartbeat
	Propose
	Accept
	Terminate
)

var kindNames = map[Kind]string{
	Hello: "HELLO", Caps: "CAPS", Confirm: "CONFIRM", Echo: "ECHO", Abort: "ABORT",
	Heartbeat: "HEARTBEAT", Propose: "PROPOSE", Accept: "ACCEPT", Terminate: "TERMINATE",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// AbortCode says why a handshake was abandoned.
type AbortCode uint8

const (
	AbortNone AbortCode = iota
	AbortCollision
	AbortMismatch
	AbortEmpty
	AbortTimeout
)

// Err turns an abort received from the peer into the local error.
func (c AbortCode) Err(detail string) error {
	switch c {
	case AbortCollision:
		return shared.SessionError(shared.ErrCollision, fmt.Errorf("peer: %s", detail))
	case AbortEmpty:
		return shared.NegotiationError(shared.ErrEmptyIntersection, "peer: %s", detail)
	case AbortTimeout:
		return shared.SessionError(shared.ErrStateTimeout, fmt.Errorf("peer: %s", detail))
	}
	return shared.NegotiationError(shared.ErrConfirmMismatch, "peer: %s", detail)
}

// Message is the payload of every CONTROL frame.
type Message struct {
	Kind      Kind
	Nonce     uint64 // sender
	Peer      uint64 // addressee, 0 for broadcast
	SessionID uint32
	Profile   shared.CapabilityProfile
	Quality   float64
	Params    shared.Parameters
	NextSeq   uint32
	Code      AbortCode
	Reason    string
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %016x sid=%08x", m.Kind, m.Nonce, m.SessionID)
}

const (
	fieldKind protowire.Number = iota + 1
	fieldNonce
	fieldPeer
	fieldSession
	fieldSchemes
	fieldLevels
	fieldMinRate
	fieldMaxRate
	fieldQuality
	fieldScheme
	fieldLevel
	fieldParity
	fieldRate
	fieldEpoch
	fieldNextSeq
	fieldCode
	fieldReason
)

func appendVarint(b []byte, n protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64(b []byte, n protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// Marshal encodes m in protobuf wire format. Zero fields are omitted.
func (m Message) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(m.Kind))
	b = appendFixed64(b, fieldNonce, m.Nonce)
	b = appendFixed64(b, fieldPeer, m.Peer)
	b = appendVarint(b, fieldSession, uint64(m.SessionID))
	b = appendVarint(b, fieldSchemes, uint64(m.Profile.Schemes))
	b = appendVarint(b, fieldLevels, uint64(m.Profile.Levels))
	b = appendVarint(b, fieldMinRate, uint64(m.Profile.MinRate))
	b = appendVarint(b, fieldMaxRate, uint64(m.Profile.MaxRate))
	b = appendFixed64(b, fieldQuality, math.Float64bits(m.Quality))
	if m.Params.Rate > 0 {
		// scheme and level are enums whose zero value is meaningful
		b = protowire.AppendTag(b, fieldScheme, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Params.Scheme))
		b = protowire.AppendTag(b, fieldLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Params.Level))
		b = appendVarint(b, fieldParity, uint64(m.Params.Parity))
		b = appendVarint(b, fieldRate, uint64(m.Params.Rate))
		b = appendVarint(b, fieldEpoch, uint64(m.Params.Epoch))
	}
	b = appendVarint(b, fieldNextSeq, uint64(m.NextSeq))
	b = appendVarint(b, fieldCode, uint64(m.Code))
	if m.Reason != "" {
		b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	return b
}

// Unmarshal decodes a control message. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	var scheme, level, parity, rate, epoch uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("control message: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("control message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				m.Kind = Kind(v)
			case fieldSession:
				m.SessionID = uint32(v)
			case fieldSchemes:
				m.Profile.Schemes = shared.SchemeSet(v)
			case fieldLevels:
				m.Profile.Levels = shared.LevelSet(v)
			case fieldMinRate:
				m.Profile.MinRate = int(v)
			case fieldMaxRate:
				m.Profile.MaxRate = int(v)
			case fieldScheme:
				scheme = v
			case fieldLevel:
				level = v
			case fieldParity:
				parity = v
			case fieldRate:
				rate = v
			case fieldEpoch:
				epoch = v
			case fieldNextSeq:
				m.NextSeq = uint32(v)
			case fieldCode:
				m.Code = AbortCode(v)
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Message{}, fmt.Errorf("control message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldNonce:
				m.Nonce = v
			case fieldPeer:
				m.Peer = v
			case fieldQuality:
				m.Quality = math.Float64frombits(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("control message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldReason {
				m.Reason = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("control message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if _, ok := kindNames[m.Kind]; !ok {
		return Message{}, fmt.Errorf("control message: unknown kind %d", m.Kind)
	}
	if rate > 0 {
		m.Params = shared.NewParameters(shared.Scheme(scheme), shared.Level(level), int(parity), int(rate))
		m.Params.Epoch = uint32(epoch)
	}
	return m, nil
}
