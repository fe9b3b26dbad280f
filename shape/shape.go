// Package shape bridges decoded generic wire values and the typed request or
// response structures declared on routes. A Shape describes the expected form
// of a value; Convert coerces a generic value into it, BuildRecord assembles
// structured values field by field, and DecodePayload handles the two
// accepted payload encodings.
package shape

import "fmt"

// Kind enumerates the value forms a Shape can describe.
type Kind int

const (
	KindAny Kind = iota
	KindNil
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindStruct
	KindEnum
	KindLiteral
	KindUnion
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindLiteral:
		return "literal"
	case KindUnion:
		return "union"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field is a declared field of a struct shape.
type Field struct {
	Name     string
	Shape    *Shape
	Required bool
}

// Shape is a recursive descriptor of an expected value form. Only the
// members relevant to Kind are set.
type Shape struct {
	Kind    Kind
	Name    string   // struct and enum shapes
	Elem    *Shape   // list element shape
	Value   *Shape   // map value shape
	Fields  []Field  // struct fields, in declaration order
	Members []any    // enum members
	Lit     any      // literal value
	Alts    []*Shape // union alternatives, tried in declaration order
}

// Constructors. Routes declare their request shapes with these.

func Any() *Shape    { return &Shape{Kind: KindAny} }
func Nil() *Shape    { return &Shape{Kind: KindNil} }
func Bool() *Shape   { return &Shape{Kind: KindBool} }
func Int() *Shape    { return &Shape{Kind: KindInt} }
func Float() *Shape  { return &Shape{Kind: KindFloat} }
func String() *Shape { return &Shape{Kind: KindString} }
func Bytes() *Shape  { return &Shape{Kind: KindBytes} }

func List(elem *Shape) *Shape   { return &Shape{Kind: KindList, Elem: elem} }
func MapOf(value *Shape) *Shape { return &Shape{Kind: KindMap, Value: value} }

func Struct(name string, fields ...Field) *Shape {
	return &Shape{Kind: KindStruct, Name: name, Fields: fields}
}

// F declares an optional struct field, Req a required one.
func F(name string, s *Shape) Field   { return Field{Name: name, Shape: s} }
func Req(name string, s *Shape) Field { return Field{Name: name, Shape: s, Required: true} }

func Enum(name string, members ...any) *Shape {
	return &Shape{Kind: KindEnum, Name: name, Members: members}
}

func Literal(v any) *Shape { return &Shape{Kind: KindLiteral, Lit: v} }

// Union tries each alternative in declared order and keeps the first that
// converts.
func Union(alts ...*Shape) *Shape { return &Shape{Kind: KindUnion, Alts: alts} }

// Optional admits either s or nil.
func Optional(s *Shape) *Shape { return Union(s, Nil()) }

// Label names the shape for introspection output.
func (s *Shape) Label() string {
	if s == nil {
		return ""
	}
	switch s.Kind {
	case KindStruct, KindEnum:
		if s.Name != "" {
			return s.Name
		}
	case KindList:
		return "list<" + s.Elem.Label() + ">"
	case KindMap:
		return "map<" + s.Value.Label() + ">"
	case KindUnion:
		out := ""
		for i, alt := range s.Alts {
			if i > 0 {
				out += "|"
			}
			out += alt.Label()
		}
		return out
	}
	return s.Kind.String()
}

// Record is a structured value built against a struct shape. Absent fields
// simply have no entry; there is no zero-value filling.
type Record struct {
	Shape  *Shape
	fields map[string]any
}

// NewRecord creates an empty record for a struct shape.
func NewRecord(s *Shape) *Record {
	return &Record{Shape: s, fields: make(map[string]any)}
}

// Get returns a field value and whether it was set.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Set assigns a field value. Unknown field names are ignored silently, the
// same way undeclared mapping entries are ignored on build.
func (r *Record) Set(name string, v any) {
	for _, f := range r.Shape.Fields {
		if f.Name == name {
			r.fields[name] = v
			return
		}
	}
}

// Len returns the number of set fields.
func (r *Record) Len() int { return len(r.fields) }
