// Package framing extracts size-prefixed payloads from captured replies of
// the form
//
//	+<TAG>:"<name>",<size>,"<payload of exactly size bytes>"
//
// The payload is not line delimited and may contain any byte, so the header
// is located with a byte-offset scan and the payload is copied by count.
package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ChunkSize is the copy granularity for payload bytes.
const ChunkSize = 4096

// maxHeader bounds the header scan so a capture without delimiters does not
// read the whole source.
const maxHeader = 1024

// ErrFormat matches every *FormatError.
var ErrFormat = errors.New("malformed payload frame")

// FormatError reports a frame that does not follow the header format. It
// is distinct from I/O errors of the source or destination.
type FormatError struct {
	// Missing names the absent element, e.g. "comma after size".
	Missing string
	// Offset is the byte offset where the element was expected.
	Offset int64
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("framing: missing %s at offset %d", e.Missing, e.Offset)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// FramingError marks the error for modem.KindOf.
func (e *FormatError) FramingError() bool { return true }

// Header is the parsed frame header.
type Header struct {
	Name string
	Size int64
	// PayloadOffset is the offset of the first payload byte in the source.
	PayloadOffset int64
}

// Sink receives the payload.
type Sink interface {
	// WriteChunk is called with consecutive payload chunks.
	WriteChunk(p []byte) error
	// Finalize is called once after exactly size bytes were written.
	Finalize(size int64) error
}

// Parse scans the header for tag, then copies exactly the declared number
// of payload bytes from src into sink in chunks.
func Parse(src io.Reader, tag string, sink Sink) (Header, error) {
	br := bufio.NewReaderSize(src, ChunkSize)
	h, err := scanHeader(br, tag)
	if err != nil {
		return h, err
	}

	buf := make([]byte, ChunkSize)
	var copied int64
	for copied < h.Size {
		n := int64(len(buf))
		if rest := h.Size - copied; rest < n {
			n = rest
		}
		read, err := io.ReadFull(br, buf[:n])
		if read > 0 {
			if werr := sink.WriteChunk(buf[:read]); werr != nil {
				return h, werr
			}
			copied += int64(read)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return h, &FormatError{Missing: fmt.Sprintf("%d payload bytes", h.Size-copied), Offset: h.PayloadOffset + copied}
		}
		if err != nil {
			return h, err
		}
	}
	return h, sink.Finalize(h.Size)
}

// scanHeader consumes the header through the quote that opens the payload.
func scanHeader(br *bufio.Reader, tag string) (Header, error) {
	var h Header
	sc := &scanner{r: br}

	prefix := "+" + strings.TrimPrefix(strings.TrimSuffix(tag, ":"), "+") + ":"
	got, err := sc.take(len(prefix))
	if err != nil || string(got) != prefix {
		return h, sc.missing("header "+prefix, err)
	}
	sc.skipSpaces()

	if b, err := br.Peek(1); err == nil && b[0] == '"' {
		sc.take(1)
		name, err := sc.until('"')
		if err != nil {
			return h, sc.missing("closing quote of name", err)
		}
		h.Name = string(name)
	}
	rest, err := sc.until(',')
	if err != nil {
		return h, sc.missing("comma after name", err)
	}
	if h.Name == "" {
		h.Name = strings.TrimSpace(string(rest))
	}

	size, err := sc.until(',')
	if err != nil {
		return h, sc.missing("comma after size", err)
	}
	h.Size, err = strconv.ParseInt(strings.TrimSpace(string(size)), 10, 64)
	if err != nil || h.Size < 0 {
		return h, &FormatError{Missing: "integer size", Offset: sc.off}
	}

	if _, err := sc.until('"'); err != nil {
		return h, sc.missing("quote before payload", err)
	}
	h.PayloadOffset = sc.off
	return h, nil
}

// scanner reads header bytes one at a time and tracks the offset.
type scanner struct {
	r   *bufio.Reader
	off int64
}

func (s *scanner) take(n int) ([]byte, error) {
	b := make([]byte, n)
	read, err := io.ReadFull(s.r, b)
	s.off += int64(read)
	return b[:read], err
}

func (s *scanner) skipSpaces() {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return
		}
		if b != ' ' {
			s.r.UnreadByte()
			return
		}
		s.off++
	}
}

// until returns the bytes before delim and consumes delim. A line
// terminator ends the header and is reported as a missing delimiter.
func (s *scanner) until(delim byte) ([]byte, error) {
	var out []byte
	for len(out) < maxHeader {
		b, err := s.r.ReadByte()
		if err != nil {
			return out, err
		}
		s.off++
		if b == delim {
			return out, nil
		}
		if b == '\n' {
			return out, errLineEnd
		}
		out = append(out, b)
	}
	return out, errLineEnd
}

var errLineEnd = errors.New("end of header line")

// missing converts a scan failure into a FormatError unless the source
// itself failed.
func (s *scanner) missing(what string, err error) error {
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, errLineEnd) {
		return err
	}
	return &FormatError{Missing: what, Offset: s.off}
}

// memorySink accumulates the payload.
type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) WriteChunk(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}

func (s *memorySink) Finalize(int64) error { return nil }

// ParseLines extracts the payload from the raw lines of an in-memory
// multiline capture.
func ParseLines(lines [][]byte, tag string) (int64, []byte, error) {
	readers := make([]io.Reader, len(lines))
	for i, l := range lines {
		readers[i] = bytes.NewReader(l)
	}
	sink := &memorySink{}
	h, err := Parse(io.MultiReader(readers...), tag, sink)
	if err != nil {
		return 0, nil, err
	}
	return h.Size, sink.buf.Bytes(), nil
}

// fileSink writes the payload from offset 0 of the file it is read from.
// The write cursor never overtakes the read cursor because the header
// precedes the payload.
type fileSink struct {
	f   *os.File
	off int64
}

func (s *fileSink) WriteChunk(p []byte) error {
	n, err := s.f.WriteAt(p, s.off)
	s.off += int64(n)
	return err
}

func (s *fileSink) Finalize(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return err
	}
	return s.f.Sync()
}

// ParseFile rewrites the capture at path in place so that it holds exactly
// the payload. On a header error the file is left untouched.
func ParseFile(path, tag string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	src := io.NewSectionReader(f, 0, info.Size())
	h, err := Parse(src, tag, &fileSink{f: f})
	if err != nil {
		return 0, err
	}
	return h.Size, f.Close()
}
