// internal/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on requests that do not set their own.
const AcceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool   = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	brotliReaderPool = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
)

// CompressionMiddleware is an http.RoundTripper that negotiates compression
// and transparently decodes br, gzip and deflate response bodies. Error pages
// are matched against plain text, so every body handed to callers is decoded.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, or http.DefaultTransport when nil.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// decodedBody closes the decoder, returns pooled readers and closes the
// wrapped body.
type decodedBody struct {
	io.Reader
	inner   io.ReadCloser
	release func() error
}

func (b *decodedBody) Close() error {
	var errs []error
	if b.release != nil {
		errs = append(errs, b.release())
		b.release = nil
	}
	errs = append(errs, b.inner.Close())
	return errors.Join(errs...)
}

// DecompressResponse replaces resp.Body with a decoding reader according to
// Content-Encoding. Layered encodings are undone in reverse order. On error
// the body may be partially consumed and must be discarded.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := encodingLayers(resp.Header)
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		body, err := decodeLayer(encodings[i], resp.Body)
		if err != nil {
			return err
		}
		if body != nil {
			resp.Body = body
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func encodingLayers(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" {
				out = append(out, enc)
			}
		}
	}
	return out
}

// decodeLayer returns nil for identity.
func decodeLayer(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "identity":
		return nil, nil
	case "gzip", "x-gzip":
		zr := gzipReaderPool.Get().(*gzip.Reader)
		if err := zr.Reset(body); err != nil {
			gzipReaderPool.Put(zr)
			return nil, fmt.Errorf("gzip initialization error: %w", err)
		}
		return &decodedBody{Reader: zr, inner: body, release: func() error {
			err := zr.Close()
			gzipReaderPool.Put(zr)
			return err
		}}, nil
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(body); err != nil {
			brotliReaderPool.Put(br)
			return nil, fmt.Errorf("brotli initialization error: %w", err)
		}
		return &decodedBody{Reader: br, inner: body, release: func() error {
			brotliReaderPool.Put(br)
			return nil
		}}, nil
	case "deflate":
		dr := deflateReader(body)
		return &decodedBody{Reader: dr, inner: body, release: dr.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", encoding)
	}
}

// deflateReader accepts both zlib-wrapped and raw deflate streams; servers
// disagree on what "deflate" means.
func deflateReader(r io.Reader) io.ReadCloser {
	buffered := bufio.NewReader(r)
	header, err := buffered.Peek(2)
	if err == nil && isZlibHeader(header) {
		if zr, err := zlib.NewReader(buffered); err == nil {
			return zr
		}
	}
	return flate.NewReader(buffered)
}

// isZlibHeader checks the CMF/FLG pair: deflate method and a valid checksum.
func isZlibHeader(h []byte) bool {
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}
