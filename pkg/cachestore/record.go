package cachestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record is a stored response.
type Record struct {
	Key    RequestKey
	Status int
	Header http.Header
	Body   []byte
}

// Response builds a fresh *http.Response that replays r. The returned
// response does not share header maps with r.
func (r *Record) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Wire format of a record. Fields follow protobuf wire encoding so that
// unknown fields written by newer versions can be skipped.
const (
	fieldMethod protowire.Number = 1
	fieldURL    protowire.Number = 2
	fieldStatus protowire.Number = 3
	fieldHeader protowire.Number = 4 // embedded {1: name, 2: value}
	fieldBody   protowire.Number = 5
	fieldFlags  protowire.Number = 6

	headerName  protowire.Number = 1
	headerValue protowire.Number = 2
)

const flagSnappy uint64 = 1 << 0

var errBadRecord = errors.New("malformed record")

func encodeRecord(r *Record, compress bool) []byte {
	body := r.Body
	var flags uint64
	if compress && len(body) > 0 {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}

	b := make([]byte, 0, len(body)+len(r.Key.URL)+64)
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, r.Key.Method)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, r.Key.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	var hb []byte
	for _, name := range names {
		for _, v := range r.Header[name] {
			hb = hb[:0]
			hb = protowire.AppendTag(hb, headerName, protowire.BytesType)
			hb = protowire.AppendString(hb, name)
			hb = protowire.AppendTag(hb, headerValue, protowire.BytesType)
			hb = protowire.AppendString(hb, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, hb)
		}
	}

	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func decodeRecord(b []byte) (*Record, error) {
	r := &Record{Header: make(http.Header)}
	var (
		flags uint64
		body  []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldMethod && typ == protowire.BytesType:
			r.Key.Method, n = protowire.ConsumeString(b)
		case num == fieldURL && typ == protowire.BytesType:
			r.Key.URL, n = protowire.ConsumeString(b)
		case num == fieldStatus && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Status = int(v)
		case num == fieldFlags && typ == protowire.VarintType:
			flags, n = protowire.ConsumeVarint(b)
		case num == fieldBody && typ == protowire.BytesType:
			body, n = protowire.ConsumeBytes(b)
		case num == fieldHeader && typ == protowire.BytesType:
			var hb []byte
			hb, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if err := decodeHeader(hb, r.Header); err != nil {
					return nil, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %w", errBadRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if flags&flagSnappy != 0 {
		d, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %w", errBadRecord, err)
		}
		body = d
	} else if body != nil {
		body = bytes.Clone(body)
	}
	r.Body = body

	if len(r.Key.URL) == 0 || r.Status == 0 {
		return nil, fmt.Errorf("%w: missing url or status", errBadRecord)
	}
	return r, nil
}

func decodeHeader(b []byte, h http.Header) error {
	var name, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: header: %w", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == headerName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == headerValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: header: %w", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if len(name) == 0 {
		return fmt.Errorf("%w: header without name", errBadRecord)
	}
	// Names were canonical when stored; keep them as is.
	h[name] = append(h[name], value)
	return nil
}
