// Package encoding converts values and object identities to and from the
// line payloads carried inside wire data blocks.
package encoding

import (
	"encoding/base64"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/google/uuid"
)

// StringTag is the short tag of the built-in string type.
const StringTag = "s"

// LineWriter is satisfied by *wire.Writer.
type LineWriter interface {
	WriteLine(line string) error
}

// LineReader is satisfied by *wire.Block.
type LineReader interface {
	Next() (string, error)
}

// Value is a self-describing scalar: a type tag and the value's string form.
type Value struct {
	Tag  string
	Form string
}

func (v Value) String() string {
	return v.Tag + ":" + v.Form
}

// Decode resolves the tag and parses the form.
func (v Value) Decode() (any, error) {
	return DecodeValue(v)
}

type valueType struct {
	tag    string
	format func(any) string
	parse  func(string) (any, error)
}

var (
	typesMu sync.RWMutex
	byType  = map[reflect.Type]valueType{}
	byTag   = map[string]valueType{}
)

// TypeTag names a Go type on the wire: the short tag for string, otherwise
// the fully qualified type name.
func TypeTag(t reflect.Type) string {
	if t.Kind() == reflect.String && t.PkgPath() == "" {
		return StringTag
	}
	if t.PkgPath() != "" && t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// RegisterValueType makes T encodable. Registering a tag twice replaces the
// earlier codec.
func RegisterValueType[T any](format func(T) string, parse func(string) (T, error)) {
	t := reflect.TypeFor[T]()
	vt := valueType{
		tag:    TypeTag(t),
		format: func(v any) string { return format(v.(T)) },
		parse: func(s string) (any, error) {
			v, err := parse(s)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	typesMu.Lock()
	defer typesMu.Unlock()
	byType[t] = vt
	byTag[vt.tag] = vt
}

// KnownTag reports whether tag has a registered codec.
func KnownTag(tag string) bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	_, ok := byTag[tag]
	return ok
}

// EncodeValue turns a registered Go value into its wire representation.
func EncodeValue(v any) (Value, error) {
	if v == nil {
		return Value{}, protocol.Encodingf("cannot encode nil value")
	}
	typesMu.RLock()
	vt, ok := byType[reflect.TypeOf(v)]
	typesMu.RUnlock()
	if !ok {
		return Value{}, protocol.Encodingf("no value codec for %T", v)
	}
	return Value{Tag: vt.tag, Form: vt.format(v)}, nil
}

// MustValue is EncodeValue for callers holding a registered type.
func MustValue(v any) Value {
	out, err := EncodeValue(v)
	if err != nil {
		panic(err)
	}
	return out
}

// DecodeValue rejects unknown tags rather than guessing a type.
func DecodeValue(v Value) (any, error) {
	typesMu.RLock()
	vt, ok := byTag[v.Tag]
	typesMu.RUnlock()
	if !ok {
		return nil, protocol.Encodingf("unknown value tag %q", v.Tag)
	}
	out, err := vt.parse(v.Form)
	if err != nil {
		return nil, protocol.WrapEncoding("parse "+v.Tag+" value "+strconv.Quote(v.Form), err)
	}
	return out, nil
}

// WriteValue writes the tag line and the escaped form line.
func WriteValue(w LineWriter, v Value) error {
	if v.Tag == "" || strings.ContainsAny(v.Tag, " \t\r\n") {
		return protocol.Encodingf("invalid value tag %q", v.Tag)
	}
	if err := w.WriteLine(v.Tag); err != nil {
		return err
	}
	return w.WriteLine(escapeForm(v.Form))
}

// ReadValue reads a tag line and a form line. The tag must be registered.
func ReadValue(r LineReader) (Value, error) {
	tag, err := r.Next()
	if err != nil {
		return Value{}, err
	}
	if !KnownTag(tag) {
		return Value{}, protocol.Encodingf("unknown value tag %q", tag)
	}
	raw, err := r.Next()
	if err != nil {
		return Value{}, err
	}
	form, err := unescapeForm(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{Tag: tag, Form: form}, nil
}

var formEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escapeForm(s string) string {
	return formEscaper.Replace(s)
}

func unescapeForm(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", protocol.Encodingf("dangling escape in %q", s)
		}
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			return "", protocol.Encodingf("unknown escape \\%c in %q", s[i], s)
		}
	}
	return sb.String(), nil
}

func init() {
	RegisterValueType(func(v string) string { return v }, func(s string) (string, error) { return s, nil })
	RegisterValueType(strconv.FormatBool, strconv.ParseBool)
	RegisterValueType(strconv.Itoa, strconv.Atoi)
	RegisterValueType(
		func(v int32) string { return strconv.FormatInt(int64(v), 10) },
		func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 10, 32)
			return int32(v), err
		},
	)
	RegisterValueType(
		func(v int64) string { return strconv.FormatInt(v, 10) },
		func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) },
	)
	RegisterValueType(
		func(v uint64) string { return strconv.FormatUint(v, 10) },
		func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) },
	)
	RegisterValueType(
		func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) },
		func(s string) (float64, error) { return strconv.ParseFloat(s, 64) },
	)
	RegisterValueType(
		func(v time.Time) string { return v.Format(time.RFC3339Nano) },
		func(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) },
	)
	RegisterValueType(
		func(v time.Duration) string { return v.String() },
		time.ParseDuration,
	)
	RegisterValueType(
		base64.StdEncoding.EncodeToString,
		base64.StdEncoding.DecodeString,
	)
	RegisterValueType(func(v uuid.UUID) string { return v.String() }, uuid.Parse)
}
