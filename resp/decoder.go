package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Server limits.
const (
	// MaxBulkLength is the largest string a server can return: 512 MiB.
	MaxBulkLength = 512 << 20

	// MaxAggregateLength bounds array, set and map element counts.
	MaxAggregateLength = 1<<32 - 1

	// DefaultMaxDepth bounds aggregate nesting.
	DefaultMaxDepth = 128
)

// ErrProtocol signals a reply that does not follow the RESP grammar.
var ErrProtocol = errors.New("resp: protocol violation")

// preallocation cap for aggregates, lengths are not trusted up front
const maxPrealloc = 1024

// Decoder reads replies from a stream.
type Decoder struct {
	r *bufio.Reader

	// MaxDepth overrides DefaultMaxDepth when positive.
	MaxDepth int
}

func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode reads one reply. Errors wrapping ErrProtocol mean the stream is
// out of sync; other errors come from the underlying reader.
func (d *Decoder) Decode() (*Value, error) {
	return d.decode(0)
}

// Decode parses the first reply in b and reports how many bytes it used.
// Truncated input is a protocol error.
func Decode(b []byte) (*Value, int, error) {
	br := bytes.NewReader(b)
	bufr := bufio.NewReaderSize(br, 4096)
	d := &Decoder{r: bufr}
	v, err := d.Decode()
	if err != nil {
		if !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("%w: truncated input: %v", ErrProtocol, err)
		}
		return nil, 0, err
	}
	return v, len(b) - br.Len() - bufr.Buffered(), nil
}

func (d *Decoder) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultMaxDepth
}

func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: line exceeds %d bytes: %.40q", ErrProtocol, d.r.Size(), line)
		}
		return nil, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("%w: malformed line %.40q", ErrProtocol, line)
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer %.40q: %v", ErrProtocol, b, err)
	}
	return i, nil
}

func parseLen(b []byte, max int64) (int64, error) {
	n, err := parseInt(b)
	if err != nil {
		return 0, err
	}
	if n < -1 || n > max {
		return 0, fmt.Errorf("%w: length %d out of range", ErrProtocol, n)
	}
	return n, nil
}

func (d *Decoder) readBulk(n int64) ([]byte, error) {
	if n > maxPrealloc<<10 {
		// grow with the data actually received
		var bb bytes.Buffer
		if _, err := io.CopyN(&bb, d.r, n+2); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf := bb.Bytes()
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return nil, fmt.Errorf("%w: bulk string not terminated by CRLF", ErrProtocol)
		}
		return buf[:n], nil
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, fmt.Errorf("%w: bulk string not terminated by CRLF", ErrProtocol)
	}
	return buf[:n], nil
}

func (d *Decoder) decode(depth int) (*Value, error) {
	if depth > d.maxDepth() {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrProtocol, d.maxDepth())
	}
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return NewString(bytes.Clone(body)), nil
	case '-':
		return NewError(string(body)), nil
	case ':':
		i, err := parseInt(body)
		if err != nil {
			return nil, err
		}
		return NewInt(i), nil
	case '(':
		i, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: big number %.40q does not fit in 64 bits", ErrProtocol, body)
		}
		return NewInt(i), nil
	case ',':
		f, err := strconv.ParseFloat(string(body), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad double %.40q", ErrProtocol, body)
		}
		return NewFloat(f), nil
	case '#':
		switch string(body) {
		case "t":
			return NewBool(true), nil
		case "f":
			return NewBool(false), nil
		}
		return nil, fmt.Errorf("%w: bad boolean %.40q", ErrProtocol, body)
	case '_':
		return NewNull(), nil
	case '$', '!', '=':
		n, err := parseLen(body, MaxBulkLength)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			if line[0] != '$' {
				return nil, fmt.Errorf("%w: negative length for %q", ErrProtocol, line[0])
			}
			return NewNull(), nil
		}
		b, err := d.readBulk(n)
		if err != nil {
			return nil, err
		}
		switch line[0] {
		case '!':
			return NewError(string(b)), nil
		case '=':
			if len(b) >= 4 && b[3] == ':' {
				b = b[4:]
			}
		}
		return NewString(b), nil
	case '*', '~', '>':
		n, err := parseLen(body, MaxAggregateLength)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			if line[0] != '*' {
				return nil, fmt.Errorf("%w: negative length for %q", ErrProtocol, line[0])
			}
			return NewNull(), nil
		}
		elems := make([]*Value, 0, min(n, maxPrealloc))
		for int64(len(elems)) < n {
			e, err := d.decode(depth + 1)
			if err != nil {
				NewArray(elems).Release()
				return nil, err
			}
			elems = append(elems, e)
		}
		v := NewArray(elems)
		if line[0] == '>' {
			v.Kind = Push
		}
		return v, nil
	case '%', '|':
		n, err := parseLen(body, MaxAggregateLength)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative map length", ErrProtocol)
		}
		pairs := make([]Pair, 0, min(n, maxPrealloc))
		for int64(len(pairs)) < n {
			k, err := d.decode(depth + 1)
			if err != nil {
				NewMap(pairs).Release()
				return nil, err
			}
			val, err := d.decode(depth + 1)
			if err != nil {
				k.Release()
				NewMap(pairs).Release()
				return nil, err
			}
			pairs = append(pairs, Pair{Key: k, Value: val})
		}
		m := NewMap(pairs)
		if line[0] == '|' {
			// attributes annotate the reply that follows
			m.Release()
			return d.decode(depth + 1)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: unknown type byte %q", ErrProtocol, line[0])
}
