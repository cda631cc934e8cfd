package resp

import (
	"bytes"
	"math"
	"strconv"

	wire "github.com/tidwall/resp"
)

// EncodeCommand renders a command line as a RESP array of bulk strings.
func EncodeCommand(args [][]byte) ([]byte, error) {
	vals := make([]wire.Value, len(args))
	for i, a := range args {
		vals[i] = wire.BytesValue(a)
	}
	return wire.ArrayValue(vals).MarshalRESP()
}

// AppendValue appends the RESP3 encoding of v to dst.
func AppendValue(dst []byte, v *Value) []byte {
	if v == nil {
		return append(dst, "_\r\n"...)
	}
	switch v.Kind {
	case Null:
		dst = append(dst, "_\r\n"...)
	case Int:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Int, 10)
		dst = append(dst, "\r\n"...)
	case Float:
		dst = append(dst, ',')
		switch {
		case math.IsInf(v.Float, 1):
			dst = append(dst, "inf"...)
		case math.IsInf(v.Float, -1):
			dst = append(dst, "-inf"...)
		case math.IsNaN(v.Float):
			dst = append(dst, "nan"...)
		default:
			dst = strconv.AppendFloat(dst, v.Float, 'g', -1, 64)
		}
		dst = append(dst, "\r\n"...)
	case Bool:
		if v.Bool {
			dst = append(dst, "#t\r\n"...)
		} else {
			dst = append(dst, "#f\r\n"...)
		}
	case String:
		dst = appendBlob(dst, '$', v.Str)
	case Error:
		if bytes.ContainsAny(v.Str, "\r\n") {
			dst = appendBlob(dst, '!', v.Str)
		} else {
			dst = append(dst, '-')
			dst = append(dst, v.Str...)
			dst = append(dst, "\r\n"...)
		}
	case Array, Push:
		prefix := byte('*')
		if v.Kind == Push {
			prefix = '>'
		}
		dst = appendHeader(dst, prefix, len(v.Elems))
		for _, e := range v.Elems {
			dst = AppendValue(dst, e)
		}
	case Map:
		dst = appendHeader(dst, '%', len(v.Pairs))
		for _, p := range v.Pairs {
			dst = AppendValue(dst, p.Key)
			dst = AppendValue(dst, p.Value)
		}
	}
	return dst
}

func appendHeader(dst []byte, prefix byte, n int) []byte {
	dst = append(dst, prefix)
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, "\r\n"...)
}

func appendBlob(dst []byte, prefix byte, b []byte) []byte {
	dst = appendHeader(dst, prefix, len(b))
	dst = append(dst, b...)
	return append(dst, "\r\n"...)
}
