package encoding

import (
	"strconv"
	"strings"

	"github.com/danmuck/remoteobj/internal/protocol"
)

// Oid names one server-resident object instance. Assigned once, never changed.
type Oid string

// Version is bumped by the server on every successful mutation. It is only
// ever compared for equality.
type Version uint64

func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// ParseVersion parses the decimal form used on status lines.
func ParseVersion(s string) (Version, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, protocol.WrapEncoding("version "+strconv.Quote(s), err)
	}
	return Version(v), nil
}

// ObjectData references a server object: its type, identity and the version
// the sender last observed.
type ObjectData struct {
	Type    string
	Oid     Oid
	Version Version
}

func (d ObjectData) String() string {
	return d.Type + "#" + string(d.Oid) + "@" + d.Version.String()
}

// WithVersion returns a copy carrying v.
func (d ObjectData) WithVersion(v Version) ObjectData {
	d.Version = v
	return d
}

func (d ObjectData) validate() error {
	if strings.TrimSpace(d.Type) == "" || strings.ContainsAny(d.Type, " \t\r\n") {
		return protocol.Encodingf("invalid object type %q", d.Type)
	}
	if d.Oid == "" {
		return protocol.Encodingf("object %q has no identity", d.Type)
	}
	return nil
}

// WriteIdentity writes the type name, then the identity and the version
// through the value encoder.
func WriteIdentity(w LineWriter, d ObjectData) error {
	if err := d.validate(); err != nil {
		return err
	}
	if err := w.WriteLine(d.Type); err != nil {
		return err
	}
	if err := WriteValue(w, MustValue(string(d.Oid))); err != nil {
		return err
	}
	return WriteValue(w, MustValue(uint64(d.Version)))
}

// ReadIdentity is the inverse of WriteIdentity.
func ReadIdentity(r LineReader) (ObjectData, error) {
	typ, err := r.Next()
	if err != nil {
		return ObjectData{}, err
	}
	oidValue, err := ReadValue(r)
	if err != nil {
		return ObjectData{}, err
	}
	oidAny, err := DecodeValue(oidValue)
	if err != nil {
		return ObjectData{}, err
	}
	oid, ok := oidAny.(string)
	if !ok {
		return ObjectData{}, protocol.Encodingf("identity of %q encoded as %s, want %s", typ, oidValue.Tag, StringTag)
	}
	versionValue, err := ReadValue(r)
	if err != nil {
		return ObjectData{}, err
	}
	versionAny, err := DecodeValue(versionValue)
	if err != nil {
		return ObjectData{}, err
	}
	version, ok := versionAny.(uint64)
	if !ok {
		return ObjectData{}, protocol.Encodingf("version of %q encoded as %s, want uint64", typ, versionValue.Tag)
	}
	d := ObjectData{Type: typ, Oid: Oid(oid), Version: Version(version)}
	if err := d.validate(); err != nil {
		return ObjectData{}, err
	}
	return d, nil
}
