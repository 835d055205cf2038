package normalize

// scanState is the state of the line scanner.
type scanState uint8

const (
	stateFieldStart scanState = iota
	stateInField
	stateInQuotedField
	stateQuoteInQuotedField
)

// lineScanner splits one delimited line into fields with a finite state
// machine. It never fails: stray quotes and unterminated quoted fields are
// taken as literal text.
type lineScanner struct {
	delimiter byte
	state     scanState

	fieldStart int
	fieldEnd   int
	buf        []byte
}

func newLineScanner(delimiter byte) *lineScanner {
	return &lineScanner{delimiter: delimiter}
}

// scan returns the fields of line. Quoted fields have their quotes removed
// and "" unescaped.
func (s *lineScanner) scan(line []byte) []string {
	if len(line) == 0 {
		return nil
	}

	fields := make([]string, 0, 16)
	s.state = stateFieldStart
	needsUnescape := false

	for i := 0; i <= len(line); i++ {
		var c byte
		end := i >= len(line)
		if !end {
			c = line[i]
		}

		switch s.state {
		case stateFieldStart:
			switch {
			case end:
				fields = append(fields, "")
			case c == '"':
				s.fieldStart = i + 1
				s.state = stateInQuotedField
			case c == s.delimiter:
				fields = append(fields, "")
			default:
				s.fieldStart = i
				s.state = stateInField
			}

		case stateInField:
			if end || c == s.delimiter {
				fields = append(fields, string(line[s.fieldStart:i]))
				s.state = stateFieldStart
			}

		case stateInQuotedField:
			if end {
				// Unterminated quoted field: take what we have.
				fields = append(fields, string(line[s.fieldStart:i]))
				continue
			}
			if c == '"' {
				s.fieldEnd = i
				s.state = stateQuoteInQuotedField
			}

		case stateQuoteInQuotedField:
			switch {
			case end || c == s.delimiter:
				field := line[s.fieldStart:s.fieldEnd]
				if needsUnescape {
					field = s.unescape(field)
					needsUnescape = false
				}
				fields = append(fields, string(field))
				s.state = stateFieldStart
			case c == '"':
				needsUnescape = true
				s.state = stateInQuotedField
			default:
				// Text after a closing quote; keep it in the field.
				s.state = stateInQuotedField
			}
		}
	}

	return fields
}

// unescape replaces "" with " in a quoted field.
func (s *lineScanner) unescape(field []byte) []byte {
	s.buf = s.buf[:0]
	for i := 0; i < len(field); i++ {
		if field[i] == '"' && i+1 < len(field) && field[i+1] == '"' {
			i++
		}
		s.buf = append(s.buf, field[i])
	}
	return s.buf
}

// countOutsideQuotes counts occurrences of c that are not inside quotes.
func countOutsideQuotes(line []byte, c byte) int {
	n := 0
	quoted := false
	for _, b := range line {
		switch {
		case b == '"':
			quoted = !quoted
		case b == c && !quoted:
			n++
		}
	}
	return n
}
