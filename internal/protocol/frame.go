package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
)

// RequestHeader is the fixed 23-byte prefix of every client frame.
type RequestHeader struct {
	Token   model.Token
	Version uint8
	Code    uint16
	Length  uint32
}

// Request is a decoded client frame.
type Request struct {
	RequestHeader
	Payload []byte
}

// Response is a server frame. Version is filled with ServerVersion when zero.
type Response struct {
	Version uint8
	Code    uint16
	Payload []byte
}

// NewResponse builds a response stamped with the server version.
func NewResponse(code uint16, payload []byte) *Response {
	return &Response{Version: ServerVersion, Code: code, Payload: payload}
}

// ErrorResponse is the generic failure frame.
func ErrorResponse() *Response { return NewResponse(CodeError, nil) }

// Encode encodes the header to bytes.
func (h *RequestHeader) Encode() []byte {
	buf := make([]byte, RequestHeaderLen)
	h.put(buf)
	return buf
}

func (h *RequestHeader) put(buf []byte) {
	copy(buf[0:16], h.Token[:])
	buf[16] = h.Version
	binary.LittleEndian.PutUint16(buf[17:19], h.Code)
	binary.LittleEndian.PutUint32(buf[19:23], h.Length)
}

// Decode decodes the header from bytes.
func (h *RequestHeader) Decode(buf []byte) error {
	if len(buf) < RequestHeaderLen {
		return fmt.Errorf("request header: %d bytes: %w", len(buf), errs.ErrMalformed)
	}
	copy(h.Token[:], buf[0:16])
	h.Version = buf[16]
	h.Code = binary.LittleEndian.Uint16(buf[17:19])
	h.Length = binary.LittleEndian.Uint32(buf[19:23])
	return nil
}

// Encode returns the full frame; Length is taken from the payload.
func (r *Request) Encode() []byte {
	buf := make([]byte, RequestHeaderLen+len(r.Payload))
	h := r.RequestHeader
	h.Length = uint32(len(r.Payload))
	h.put(buf)
	copy(buf[RequestHeaderLen:], r.Payload)
	return buf
}

// Encode returns the full frame; Length is taken from the payload.
func (r *Response) Encode() []byte {
	v := r.Version
	if v == 0 {
		v = ServerVersion
	}
	buf := make([]byte, ResponseHeaderLen+len(r.Payload))
	buf[0] = v
	binary.LittleEndian.PutUint16(buf[1:3], r.Code)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(r.Payload)))
	copy(buf[ResponseHeaderLen:], r.Payload)
	return buf
}

// readFull maps a short read to errs.ErrConnectionClosed.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errs.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// ReadRequestHeader blocks until a complete request header is read.
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	var h RequestHeader
	buf := make([]byte, RequestHeaderLen)
	if err := readFull(r, buf); err != nil {
		return h, err
	}
	err := h.Decode(buf)
	return h, err
}

// ReadPayload reads exactly n payload bytes.
func ReadPayload(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRequest reads one complete request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	h, err := ReadRequestHeader(r)
	if err != nil {
		return nil, err
	}
	p, err := ReadPayload(r, h.Length)
	if err != nil {
		return nil, err
	}
	return &Request{RequestHeader: h, Payload: p}, nil
}

// WriteRequest writes a request frame in a single Write call.
func WriteRequest(w io.Writer, r *Request) error {
	_, err := w.Write(r.Encode())
	return err
}

// ReadResponse reads one complete response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	hdr := make([]byte, ResponseHeaderLen)
	if err := readFull(r, hdr); err != nil {
		return nil, err
	}
	resp := &Response{
		Version: hdr[0],
		Code:    binary.LittleEndian.Uint16(hdr[1:3]),
	}
	p, err := ReadPayload(r, binary.LittleEndian.Uint32(hdr[3:7]))
	if err != nil {
		return nil, err
	}
	resp.Payload = p
	return resp, nil
}

// WriteResponse writes a response frame in a single Write call.
func WriteResponse(w io.Writer, r *Response) error {
	_, err := w.Write(r.Encode())
	return err
}
