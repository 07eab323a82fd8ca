package encoding

import (
	"strconv"

	"github.com/danmuck/remoteobj/internal/protocol"
)

// FieldKind selects how a field payload is laid out.
type FieldKind byte

const (
	KindNull       FieldKind = 'n'
	KindValue      FieldKind = 'v'
	KindReference  FieldKind = 'r'
	KindCollection FieldKind = 'c'
)

func (k FieldKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindValue:
		return "value"
	case KindReference:
		return "reference"
	case KindCollection:
		return "collection"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Field is the payload of one object field, action parameter or action result.
type Field struct {
	Kind  FieldKind
	Value Value
	Ref   ObjectData
	Items []ObjectData
}

func NullField() Field { return Field{Kind: KindNull} }

func ValueField(v Value) Field { return Field{Kind: KindValue, Value: v} }

func RefField(d ObjectData) Field { return Field{Kind: KindReference, Ref: d} }

func CollectionField(items []ObjectData) Field {
	cp := make([]ObjectData, len(items))
	copy(cp, items)
	return Field{Kind: KindCollection, Items: cp}
}

// NamedField pairs a field payload with its member name.
type NamedField struct {
	Name string
	Field
}

// WriteField writes the kind line followed by the kind's payload.
func WriteField(w LineWriter, f Field) error {
	if err := w.WriteLine(string(rune(f.Kind))); err != nil {
		return err
	}
	switch f.Kind {
	case KindNull:
		return nil
	case KindValue:
		return WriteValue(w, f.Value)
	case KindReference:
		return WriteIdentity(w, f.Ref)
	case KindCollection:
		if err := w.WriteLine(strconv.Itoa(len(f.Items))); err != nil {
			return err
		}
		for _, item := range f.Items {
			if err := WriteIdentity(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return protocol.Encodingf("unknown field kind %v", f.Kind)
	}
}

// ReadField is the inverse of WriteField.
func ReadField(r LineReader) (Field, error) {
	kindLine, err := r.Next()
	if err != nil {
		return Field{}, err
	}
	if len(kindLine) != 1 {
		return Field{}, protocol.Encodingf("invalid field kind %q", kindLine)
	}
	switch kind := FieldKind(kindLine[0]); kind {
	case KindNull:
		return NullField(), nil
	case KindValue:
		v, err := ReadValue(r)
		if err != nil {
			return Field{}, err
		}
		return ValueField(v), nil
	case KindReference:
		d, err := ReadIdentity(r)
		if err != nil {
			return Field{}, err
		}
		return RefField(d), nil
	case KindCollection:
		n, err := readCount(r)
		if err != nil {
			return Field{}, err
		}
		// n comes from the peer; grow as items actually decode
		items := []ObjectData{}
		for i := 0; i < n; i++ {
			d, err := ReadIdentity(r)
			if err != nil {
				return Field{}, err
			}
			items = append(items, d)
		}
		return Field{Kind: KindCollection, Items: items}, nil
	default:
		return Field{}, protocol.Encodingf("unknown field kind %q", kindLine)
	}
}

func WriteNamedField(w LineWriter, f NamedField) error {
	if f.Name == "" {
		return protocol.Encodingf("field has no name")
	}
	if err := w.WriteLine(f.Name); err != nil {
		return err
	}
	return WriteField(w, f.Field)
}

func ReadNamedField(r LineReader) (NamedField, error) {
	name, err := r.Next()
	if err != nil {
		return NamedField{}, err
	}
	if name == "" {
		return NamedField{}, protocol.Encodingf("field has no name")
	}
	f, err := ReadField(r)
	if err != nil {
		return NamedField{}, err
	}
	return NamedField{Name: name, Field: f}, nil
}

// WriteFields writes a count line followed by each field.
func WriteFields(w LineWriter, fields []Field) error {
	if err := w.WriteLine(strconv.Itoa(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := WriteField(w, f); err != nil {
			return err
		}
	}
	return nil
}

func ReadFields(r LineReader) ([]Field, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := []Field{}
	for i := 0; i < n; i++ {
		f, err := ReadField(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func readCount(r LineReader) (int, error) {
	line, err := r.Next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, protocol.WrapEncoding("count "+strconv.Quote(line), err)
	}
	if n < 0 {
		return 0, protocol.Encodingf("negative count %d", n)
	}
	return n, nil
}
