// Package codec decodes and re-encodes HTTP message bodies according to
// their Content-Encoding header.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens understood by Decode and Encode.
const (
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingIdentity = "identity"
)

// MaxDecodedSize bounds the output of Decode.
const MaxDecodedSize = 64 << 20

// UnsupportedEncodingError is returned for an unknown Content-Encoding token.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported content encoding %q", e.Encoding)
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// ParseEncodings splits a Content-Encoding header value into the codings in
// the order they were applied. "identity" and empty tokens are dropped.
func ParseEncodings(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || part == EncodingIdentity {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Supported reports whether every coding of the header value can be decoded.
func Supported(header string) bool {
	for _, enc := range ParseEncodings(header) {
		switch enc {
		case EncodingGzip, "x-gzip", EncodingDeflate, EncodingZstd, EncodingBrotli:
		default:
			return false
		}
	}
	return true
}

// Decode reverses every coding of the Content-Encoding header value.
func Decode(data []byte, header string) ([]byte, error) {
	encodings := ParseEncodings(header)
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		data, err = decodeOne(data, encodings[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", encodings[i], err)
		}
	}
	return data, nil
}

// Encode applies the codings of the Content-Encoding header value in order.
func Encode(data []byte, header string) ([]byte, error) {
	for _, enc := range ParseEncodings(header) {
		var err error
		data, err = encodeOne(data, enc)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", enc, err)
		}
	}
	return data, nil
}

// DecodeHeader decodes body using h's Content-Encoding. On success the
// returned header no longer carries Content-Encoding or Content-Length.
func DecodeHeader(data []byte, h http.Header) ([]byte, http.Header, error) {
	enc := h.Get("Content-Encoding")
	if enc == "" {
		return data, h, nil
	}
	decoded, err := Decode(data, enc)
	if err != nil {
		return nil, h, err
	}
	out := h.Clone()
	out.Del("Content-Encoding")
	out.Del("Content-Length")
	return decoded, out, nil
}

func decodeOne(data []byte, enc string) ([]byte, error) {
	var r io.Reader
	switch enc {
	case EncodingGzip, "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, &UnsupportedEncodingError{Encoding: enc}
	}

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", MaxDecodedSize)
	}
	return out, nil
}

func encodeOne(data []byte, enc string) ([]byte, error) {
	var buf bytes.Buffer
	switch enc {
	case EncodingGzip, "x-gzip":
		w := gzipWriterPool.Get().(*gzip.Writer)
		w.Reset(&buf)
		defer func() {
			w.Reset(io.Discard)
			gzipWriterPool.Put(w)
		}()
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingDeflate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, &UnsupportedEncodingError{Encoding: enc}
	}
	return buf.Bytes(), nil
}
