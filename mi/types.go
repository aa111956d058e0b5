package mi

import "fmt"

// Type is an MI element type tag.
type Type uint32

// Base element types. The numeric values match MI_Type.
const (
	TypeBoolean Type = iota
	TypeUint8
	TypeSint8
	TypeUint16
	TypeSint16
	TypeUint32
	TypeSint32
	TypeUint64
	TypeSint64
	TypeReal32
	TypeReal64
	TypeChar16
	TypeDatetime
	TypeString
	TypeReference
	TypeInstance
)

// TypeArray is the modifier bit composing with any base type.
const TypeArray Type = 16

// Array element types.
const (
	TypeBooleanA   = TypeBoolean | TypeArray
	TypeUint8A     = TypeUint8 | TypeArray
	TypeSint8A     = TypeSint8 | TypeArray
	TypeUint16A    = TypeUint16 | TypeArray
	TypeSint16A    = TypeSint16 | TypeArray
	TypeUint32A    = TypeUint32 | TypeArray
	TypeSint32A    = TypeSint32 | TypeArray
	TypeUint64A    = TypeUint64 | TypeArray
	TypeSint64A    = TypeSint64 | TypeArray
	TypeReal32A    = TypeReal32 | TypeArray
	TypeReal64A    = TypeReal64 | TypeArray
	TypeChar16A    = TypeChar16 | TypeArray
	TypeDatetimeA  = TypeDatetime | TypeArray
	TypeStringA    = TypeString | TypeArray
	TypeReferenceA = TypeReference | TypeArray
	TypeInstanceA  = TypeInstance | TypeArray
)

var typeNames = [...]string{
	TypeBoolean:   "boolean",
	TypeUint8:     "uint8",
	TypeSint8:     "sint8",
	TypeUint16:    "uint16",
	TypeSint16:    "sint16",
	TypeUint32:    "uint32",
	TypeSint32:    "sint32",
	TypeUint64:    "uint64",
	TypeSint64:    "sint64",
	TypeReal32:    "real32",
	TypeReal64:    "real64",
	TypeChar16:    "char16",
	TypeDatetime:  "datetime",
	TypeString:    "string",
	TypeReference: "reference",
	TypeInstance:  "instance",
}

// IsArray reports whether the Array bit is set.
func (t Type) IsArray() bool {
	return t&TypeArray != 0
}

// Elem returns the base type with the Array bit cleared.
func (t Type) Elem() Type {
	return t &^ TypeArray
}

// Valid reports whether t is a known base or array type.
func (t Type) Valid() bool {
	return int(t.Elem()) < len(typeNames) && t&^(TypeArray|0xF) == 0
}

// String returns the CIM name of the type, with a "[]" suffix for arrays.
func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
	name := typeNames[t.Elem()]
	if t.IsArray() {
		return name + "[]"
	}
	return name
}

// ParseType parses a CIM type name as produced by Type.String or used in
// CIM-XML TYPE attributes. Reference and embedded-object types are not
// expressed through TYPE attributes in CIM-XML and are handled by callers.
func ParseType(s string) (Type, error) {
	var arr Type
	if len(s) > 2 && s[len(s)-2:] == "[]" {
		arr = TypeArray
		s = s[:len(s)-2]
	}
	for i, name := range typeNames {
		if name == s {
			return Type(i) | arr, nil
		}
	}
	return 0, fmt.Errorf("mi: unknown type %q", s)
}

// Flags describe an element.
type Flags uint32

const (
	// FlagKey marks a key property.
	FlagKey Flags = 1 << iota
	// FlagIn marks an inbound method parameter.
	FlagIn
	// FlagOut marks an outbound method parameter.
	FlagOut
	// FlagNull marks an element whose value is null.
	FlagNull
	// FlagReadOnly marks a property that cannot be written by a client.
	FlagReadOnly
)

// Protocol selectors.
const (
	ProtocolWinRM   = "WINRM"
	ProtocolWMIDCOM = "WMIDCOM"
)

// Transport selectors for DestinationOptions.
const (
	TransportHTTP  = "HTTP"
	TransportHTTPS = "HTTPS"
)

// Authentication types accepted in Credentials.AuthType.
const (
	AuthTypeDefault       = "Default"
	AuthTypeNone          = "None"
	AuthTypeDigest        = "Digest"
	AuthTypeNegoWithCreds = "NegoWithCreds"
	AuthTypeNegoNoCreds   = "NegoNoCreds"
	AuthTypeBasic         = "Basic"
	AuthTypeKerberos      = "Kerberos"
	AuthTypeClientCerts   = "ClientCerts"
	AuthTypeNTLM          = "NTLMDomain"
	AuthTypeCredSSP       = "CredSSP"
	AuthTypeIssuerCert    = "IssuerCert"
)
