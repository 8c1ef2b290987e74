package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	// LegacyRequestSize is the capacity of a version 1 request buffer.
	LegacyRequestSize = 1024

	// LegacyResponseSize is the capacity of a version 1 response buffer.
	// Longer responses are truncated.
	LegacyResponseSize = 8192

	// FieldSeparator joins the fields of a version 1 record.
	FieldSeparator = "%3A"

	// RecordSeparator terminates each version 1 list record.
	RecordSeparator = "%2C"

	legacyRoot = "job"
)

// legacyVerbs maps verb tags to verbs. The second name of each verb is the
// tag used by older front ends.
var legacyVerbs = []struct {
	tag  string
	verb Verb
}{
	{"submit", VerbSubmit},
	{"command", VerbSubmit},
	{"list", VerbList},
	{"process", VerbList},
	{"detail", VerbDetail},
	{"details", VerbDetail},
	{"next", VerbNext},
	{"cancel", VerbCancel},
	{"delete", VerbCancel},
}

// EncodeLegacyRequest renders req in the version 1 tag format. The result
// is cut to LegacyRequestSize bytes.
func EncodeLegacyRequest(req Request) []byte {
	var b strings.Builder

	verb := req.Verb.String()

	b.WriteString("<" + legacyRoot + "><" + verb + ">")
	b.WriteString("<token>" + req.Token + "</token>")

	if req.Command != "" {
		b.WriteString("<statement>" + req.Command + "</statement>")
	}

	if req.User != "" {
		b.WriteString("<user>" + req.User + "</user>")
	}

	b.WriteString("</" + verb + "></" + legacyRoot + ">")

	return truncate([]byte(b.String()), LegacyRequestSize)
}

// DecodeLegacyRequest extracts a Request from a version 1 payload. Trailing
// NUL padding is ignored. A payload without a token or without a known verb
// tag returns ErrMalformed.
func DecodeLegacyRequest(payload []byte) (Request, error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}

	s := string(payload)

	token, ok := extract(s, "token")
	if !ok {
		return Request{}, ErrMalformed
	}

	req := Request{Token: token}

	req.Command, _ = extract(s, "statement")
	req.User, _ = extract(s, "user")

	for _, v := range legacyVerbs {
		if strings.Contains(s, "<"+v.tag+">") {
			req.Verb = v.verb
			break
		}
	}

	if req.Verb == VerbUnknown {
		return Request{}, ErrMalformed
	}

	return req, nil
}

// legacyRequestComplete reports whether the buffered payload holds a whole
// version 1 request.
func legacyRequestComplete(payload []byte) bool {
	return bytes.Contains(payload, []byte("</"+legacyRoot+">")) ||
		bytes.IndexByte(payload, 0) >= 0
}

// EncodeLegacyResponse renders resp for verb in the version 1 format. Verbs
// without a reply (submit, cancel) return nil. The result is cut to
// LegacyResponseSize bytes.
func EncodeLegacyResponse(verb Verb, resp Response) []byte {
	switch verb {
	case VerbList, VerbDetail:
		var b strings.Builder

		for _, r := range resp.Records {
			b.WriteString(encodeRecord(r, r.ReadOffset))
			b.WriteString(RecordSeparator)
		}

		return truncate([]byte(b.String()), LegacyResponseSize)

	case VerbNext:
		switch {
		case resp.Status == StatusEmpty:
			return []byte("  ")
		case resp.Status != StatusOK || len(resp.Records) == 0:
			return []byte{}
		}

		r := resp.Records[0]

		offset := resp.From
		if r.ReadOffset < 0 {
			offset = -1
		}

		return truncate([]byte(encodeRecord(r, offset)+"\n"), LegacyResponseSize)

	default:
		return nil
	}
}

// DecodeLegacyResponse parses a version 1 reply to verb. For next, both
// From and the record's ReadOffset hold the single offset the legacy format
// carries.
func DecodeLegacyResponse(verb Verb, data []byte) (Response, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}

	s := string(data)

	switch verb {
	case VerbList, VerbDetail:
		records := ParseLegacyRecords(s)
		if len(records) == 0 {
			return Response{Status: StatusEmpty}, nil
		}

		return Response{Status: StatusOK, Records: records}, nil

	case VerbNext:
		s = strings.TrimSuffix(s, "\n")

		if strings.TrimSpace(s) == "" {
			return Response{Status: StatusEmpty}, nil
		}

		r, ok := parseRecord(s)
		if !ok {
			return Response{}, ErrMalformed
		}

		return Response{
			Status:  StatusOK,
			Records: []Record{r},
			From:    r.ReadOffset,
		}, nil

	default:
		return Response{Status: StatusOK}, nil
	}
}

// ParseLegacyRecords splits a version 1 list or detail body into records.
// Incomplete trailing records, e.g. from truncation, are skipped.
func ParseLegacyRecords(s string) []Record {
	var records []Record

	for raw := range strings.SplitSeq(s, RecordSeparator) {
		if raw == "" {
			continue
		}

		if r, ok := parseRecord(raw); ok {
			records = append(records, r)
		}
	}

	return records
}

func encodeRecord(r Record, offset int64) string {
	return strings.Join([]string{
		strconv.FormatInt(r.StartTime, 10),
		r.Command,
		r.Token,
		r.User,
		strconv.FormatInt(offset, 10),
	}, FieldSeparator)
}

func parseRecord(raw string) (Record, bool) {
	fields := strings.Split(raw, FieldSeparator)
	if len(fields) != 5 {
		return Record{}, false
	}

	start, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, false
	}

	offset, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Record{}, false
	}

	return Record{
		StartTime:  start,
		Command:    fields[1],
		Token:      fields[2],
		User:       fields[3],
		ReadOffset: offset,
	}, true
}

func extract(s, tag string) (string, bool) {
	opening := "<" + tag + ">"
	closing := "</" + tag + ">"

	start := strings.Index(s, opening)
	if start < 0 {
		return "", false
	}

	start += len(opening)

	end := strings.Index(s[start:], closing)
	if end < 0 {
		return "", false
	}

	return s[start : start+end], true
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}

	return b
}
