package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ReadRequest reads one request from r, detecting the wire version from the
// first byte. Version 1 requests are read until the closing root tag, NUL
// padding, EOF or LegacyRequestSize bytes, whichever comes first.
func ReadRequest(r *bufio.Reader) (Request, Version, error) {
	first, err := r.Peek(1)
	if err != nil {
		return Request{}, 0, fmt.Errorf("peek request: %w", err)
	}

	if first[0] == frameVersion {
		msg, err := ReadFrame(r)
		if err != nil {
			return Request{}, Version2, err
		}

		req, err := UnmarshalRequest(msg)
		if err != nil {
			return Request{}, Version2, err
		}

		if req.Token == "" || req.Verb == VerbUnknown || req.Verb > VerbCancel {
			return Request{}, Version2, ErrMalformed
		}

		return req, Version2, nil
	}

	payload, err := readLegacy(r)
	if err != nil {
		return Request{}, Version1, err
	}

	req, err := DecodeLegacyRequest(payload)

	return req, Version1, err
}

func readLegacy(r io.Reader) ([]byte, error) {
	buf := make([]byte, LegacyRequestSize)
	n := 0

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if legacyRequestComplete(buf[:n]) {
			break
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("read legacy request: %w", err)
		}
	}

	return buf[:n], nil
}

// WriteRequest writes req to w using version v.
func WriteRequest(w io.Writer, v Version, req Request) error {
	if v == Version1 {
		if _, err := w.Write(EncodeLegacyRequest(req)); err != nil {
			return fmt.Errorf("write legacy request: %w", err)
		}

		return nil
	}

	return WriteFrame(w, MarshalRequest(req))
}

// WriteResponse writes the reply to a verb request using version v. Version
// 1 verbs without a reply write nothing.
func WriteResponse(w io.Writer, v Version, verb Verb, resp Response) error {
	if v == Version1 {
		b := EncodeLegacyResponse(verb, resp)
		if len(b) == 0 {
			return nil
		}

		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("write legacy response: %w", err)
		}

		return nil
	}

	return WriteFrame(w, MarshalResponse(resp))
}

// ReadResponse reads the reply to a verb request using version v. Version 1
// replies are read until EOF, capped at LegacyResponseSize bytes.
func ReadResponse(r io.Reader, v Version, verb Verb) (Response, error) {
	if v == Version1 {
		data, err := io.ReadAll(io.LimitReader(r, LegacyResponseSize))
		if err != nil {
			return Response{}, fmt.Errorf("read legacy response: %w", err)
		}

		return DecodeLegacyResponse(verb, data)
	}

	msg, err := ReadFrame(bufio.NewReader(r))
	if err != nil {
		return Response{}, err
	}

	return UnmarshalResponse(msg)
}
