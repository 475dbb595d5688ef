// Package waproto encodes and decodes the small protocol-buffer
// payloads carried inside media retry receipts. The messages have a
// fixed, externally defined field layout, so they are marshalled by
// hand with the protobuf wire primitives instead of generated code.
package waproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RetryResult mirrors the server's MediaRetryNotification.ResultType
// enum values.
type RetryResult int32

const (
	RetryGeneralError    RetryResult = 0
	RetrySuccess         RetryResult = 1
	RetryNotFound        RetryResult = 2
	RetryDecryptionError RetryResult = 3
)

// ServerErrorReceipt is the plaintext of an outgoing media retry
// request. Field 1: stanza_id.
type ServerErrorReceipt struct {
	StanzaID string
}

// MediaRetryNotification is the decrypted payload of an incoming
// retry response. Field 1: stanza_id, field 2: direct_path,
// field 3: result.
type MediaRetryNotification struct {
	StanzaID   string
	DirectPath string
	Result     RetryResult
}

var ErrTruncated = errors.New("waproto: truncated message")

// Marshal serializes the receipt into protobuf wire format.
func (r *ServerErrorReceipt) Marshal() []byte {
	var out []byte
	if r.StanzaID != "" {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendString(out, r.StanzaID)
	}
	return out
}

// Unmarshal parses a wire-format receipt.
func (r *ServerErrorReceipt) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("consume stanza id: %w", protowire.ParseError(n))
			}
			r.StanzaID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrTruncated
			}
			data = data[n:]
		}
	}
	return nil
}

// Marshal serializes the notification into protobuf wire format.
func (m *MediaRetryNotification) Marshal() []byte {
	var out []byte
	if m.StanzaID != "" {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendString(out, m.StanzaID)
	}
	if m.DirectPath != "" {
		out = protowire.AppendTag(out, 2, protowire.BytesType)
		out = protowire.AppendString(out, m.DirectPath)
	}
	out = protowire.AppendTag(out, 3, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(m.Result))
	return out
}

// Unmarshal parses a wire-format notification. Unknown fields are
// skipped so newer server payloads stay decodable.
func (m *MediaRetryNotification) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("consume stanza id: %w", protowire.ParseError(n))
			}
			m.StanzaID = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("consume direct path: %w", protowire.ParseError(n))
			}
			m.DirectPath = v
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("consume result: %w", protowire.ParseError(n))
			}
			m.Result = RetryResult(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrTruncated
			}
			data = data[n:]
		}
	}
	return nil
}
