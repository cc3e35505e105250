package parser

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrUnexpectedEOF is returned when the input ends in the middle of a line.
// The incomplete line is discarded, as browsers do.
var ErrUnexpectedEOF = errors.New("parser: unexpected end of input")

const bom = "\xEF\xBB\xBF"

func isNewlineChar(b byte) bool {
	return b == '\n' || b == '\r'
}

// splitLines is a split function for a bufio.Scanner that yields single lines
// terminated by "\n", "\r" or "\r\n". A "\r" ends the line as soon as it is read,
// so events are not held back on idle streams; a "\n" arriving right after it
// in a later read is then dropped.
func (p *Parser) splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if p.skipLF && len(data) > 0 {
		p.skipLF = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}

	for i, l := 0, len(data); i < l; i++ {
		if !isNewlineChar(data[i]) {
			continue
		}
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < l {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		p.skipLF = !atEOF
		return i + 1, data[:i], nil
	}

	if atEOF && len(data) > 0 {
		return 0, nil, ErrUnexpectedEOF
	}

	return 0, nil, nil
}

// Parser extracts fields from a reader. Reading is buffered using a bufio.Scanner.
// The Parser also removes the UTF-8 BOM if it exists.
type Parser struct {
	sc        *bufio.Scanner
	firstLine bool
	// The previous line ended in a "\r" at the end of the read data.
	skipLF bool
}

// Next parses a single field from the reader. It returns false when there are no more fields to parse.
// Comments and fields with unknown names are skipped. Blank lines are reported as EventEnd.
func (p *Parser) Next(f *Field) bool {
	for p.sc.Scan() {
		line := p.sc.Text()
		if p.firstLine {
			line = strings.TrimPrefix(line, bom)
			p.firstLine = false
		}

		if line == "" {
			*f = EventEnd
			return true
		}
		if line[0] == ':' {
			continue
		}

		rawName, value, _ := strings.Cut(line, ":")
		name, ok := fieldName(rawName)
		if !ok {
			continue
		}

		f.Name = name
		f.Value = strings.TrimPrefix(value, " ")

		return true
	}

	return false
}

// Buffer sets the scanner's buffer. See bufio.Scanner.Buffer. It must be called before the first call to Next.
func (p *Parser) Buffer(buf []byte, maxSize int) {
	p.sc.Buffer(buf, maxSize)
}

// Err returns the last read error. It is nil if the input ended cleanly.
func (p *Parser) Err() error {
	return p.sc.Err()
}

// New returns a Parser that extracts fields from a reader.
func New(r io.Reader) *Parser {
	p := &Parser{sc: bufio.NewScanner(r), firstLine: true}
	p.sc.Split(p.splitLines)

	return p
}
