package wire

import (
	"bufio"
	"bytes"
	"io"
)

// maxRecordSize bounds a single buffered SSE line.
const maxRecordSize = 1 << 20

// SSEReader splits an event-stream body into `data:` payloads.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadData returns the joined data lines of the next event. A trailing event
// without its blank-line terminator is still returned before io.EOF.
// Comments, event:, id: and retry: fields are ignored.
func (s *SSEReader) ReadData() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF

		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			size += len(data)
			if size > maxRecordSize {
				return nil, bufio.ErrBufferFull
			}
			dataLines = append(dataLines, append([]byte(nil), data...))
		}

		if atEOF {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, io.EOF
		}
	}
}
