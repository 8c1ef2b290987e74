package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// frameVersion is the first byte of every version 2 frame. It can never
	// start a version 1 request, which always begins with '<'.
	frameVersion byte = 0x02

	// MaxFrameSize bounds the message size of a version 2 frame.
	MaxFrameSize = 1 << 20
)

// Request fields.
const (
	fieldReqVerb    protowire.Number = 1
	fieldReqToken   protowire.Number = 2
	fieldReqCommand protowire.Number = 3
	fieldReqUser    protowire.Number = 4
)

// Response fields.
const (
	fieldRespStatus protowire.Number = 1
	fieldRespRecord protowire.Number = 2
	fieldRespFrom   protowire.Number = 3
	fieldRespError  protowire.Number = 4
)

// Record fields.
const (
	fieldRecStart   protowire.Number = 1
	fieldRecCommand protowire.Number = 2
	fieldRecToken   protowire.Number = 3
	fieldRecUser    protowire.Number = 4
	fieldRecOffset  protowire.Number = 5
)

// MarshalRequest encodes req as a protobuf wire message.
func MarshalRequest(req Request) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldReqVerb, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Verb))
	b = appendString(b, fieldReqToken, req.Token)
	b = appendString(b, fieldReqCommand, req.Command)
	b = appendString(b, fieldReqUser, req.User)

	return b
}

// UnmarshalRequest decodes a message produced by MarshalRequest. Unknown
// fields are skipped.
func UnmarshalRequest(b []byte) (Request, error) {
	var req Request

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldReqVerb && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.Verb = Verb(v)
			return n, nil
		case num == fieldReqToken && typ == protowire.BytesType:
			return consumeString(b, &req.Token)
		case num == fieldReqCommand && typ == protowire.BytesType:
			return consumeString(b, &req.Command)
		case num == fieldReqUser && typ == protowire.BytesType:
			return consumeString(b, &req.User)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}

	return req, nil
}

// MarshalResponse encodes resp as a protobuf wire message.
func MarshalResponse(resp Response) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldRespStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Status))

	for _, r := range resp.Records {
		b = protowire.AppendTag(b, fieldRespRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(r))
	}

	b = protowire.AppendTag(b, fieldRespFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(resp.From))
	b = appendString(b, fieldRespError, resp.Error)

	return b
}

// UnmarshalResponse decodes a message produced by MarshalResponse.
func UnmarshalResponse(b []byte) (Response, error) {
	var resp Response

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRespStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.Status = Status(v)
			return n, nil
		case num == fieldRespRecord && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}

			r, err := unmarshalRecord(raw)
			if err != nil {
				return 0, err
			}

			resp.Records = append(resp.Records, r)

			return n, nil
		case num == fieldRespFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.From = protowire.DecodeZigZag(v)
			return n, nil
		case num == fieldRespError && typ == protowire.BytesType:
			return consumeString(b, &resp.Error)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}

	return resp, nil
}

func marshalRecord(r Record) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldRecStart, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.StartTime))
	b = appendString(b, fieldRecCommand, r.Command)
	b = appendString(b, fieldRecToken, r.Token)
	b = appendString(b, fieldRecUser, r.User)
	b = protowire.AppendTag(b, fieldRecOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.ReadOffset))

	return b
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRecStart && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.StartTime = int64(v)
			return n, nil
		case num == fieldRecCommand && typ == protowire.BytesType:
			return consumeString(b, &r.Command)
		case num == fieldRecToken && typ == protowire.BytesType:
			return consumeString(b, &r.Token)
		case num == fieldRecUser && typ == protowire.BytesType:
			return consumeString(b, &r.User)
		case num == fieldRecOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ReadOffset = protowire.DecodeZigZag(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})

	return r, err
}

// consumeFields walks the fields of a message, handing each value to fn.
// fn returns the number of bytes it consumed or a negative protowire error
// code.
func consumeFields(
	b []byte,
	fn func(protowire.Number, protowire.Type, []byte) (int, error),
) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]
	}

	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = s
	}

	return n, nil
}

// WriteFrame writes msg as a version 2 frame.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 0, len(msg)+1+binary.MaxVarintLen64)
	frame = append(frame, frameVersion)
	frame = protowire.AppendVarint(frame, uint64(len(msg)))
	frame = append(frame, msg...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame reads one version 2 frame and returns its message.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	v, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame version: %w", err)
	}

	if v != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %#x", v)
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return msg, nil
}
