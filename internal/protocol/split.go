package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the declared type of one positional field.
type Kind uint8

const (
	KindText Kind = iota
	KindInt64
	KindInt32
	KindFloat64
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt64:
		return "int64"
	case KindInt32:
		return "int32"
	case KindFloat64:
		return "float64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Element is one typed value of a Record. Int holds both integer kinds.
type Element struct {
	Kind  Kind
	Text  string
	Int   int64
	Float float64
}

// Field names and types one position of a Schema.
type Field struct {
	Name string
	Kind Kind
}

// Schema is the ordered field layout of one serial report type.
type Schema struct {
	Tag    string
	Fields []Field
}

func (s Schema) index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Record is a line split against a Schema.
type Record struct {
	Schema   Schema
	Elements []Element
}

// Has reports whether the record's schema carries the named field.
func (r Record) Has(name string) bool {
	return r.Schema.index(name) >= 0
}

// Text returns the named text field, or "" when absent.
func (r Record) Text(name string) string {
	if i := r.Schema.index(name); i >= 0 {
		return r.Elements[i].Text
	}
	return ""
}

// Int returns the named integer field, or 0 when absent.
func (r Record) Int(name string) int64 {
	if i := r.Schema.index(name); i >= 0 {
		return r.Elements[i].Int
	}
	return 0
}

// Float returns the named float field, or 0 when absent.
func (r Record) Float(name string) float64 {
	if i := r.Schema.index(name); i >= 0 {
		return r.Elements[i].Float
	}
	return 0
}

// Split splits a comma-delimited line into exactly len(schema.Fields) typed
// elements. No partial record is returned on failure.
func Split(text string, schema Schema) (Record, error) {
	tokens := strings.Split(text, ",")
	if len(tokens) != len(schema.Fields) {
		return Record{}, fmt.Errorf("%w: %s expects %d fields, got %d",
			ErrMalformedField, schema.Tag, len(schema.Fields), len(tokens))
	}

	elements := make([]Element, len(tokens))
	for i, tok := range tokens {
		f := schema.Fields[i]
		el := Element{Kind: f.Kind}
		var err error
		switch f.Kind {
		case KindText:
			el.Text = tok
		case KindInt64:
			el.Int, err = strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		case KindInt32:
			el.Int, err = strconv.ParseInt(strings.TrimSpace(tok), 10, 32)
		case KindFloat64:
			el.Float, err = strconv.ParseFloat(strings.TrimSpace(tok), 64)
		default:
			err = fmt.Errorf("unknown kind %v", f.Kind)
		}
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s.%s (%s): %v", ErrMalformedField, schema.Tag, f.Name, f.Kind, err)
		}
		elements[i] = el
	}
	return Record{Schema: schema, Elements: elements}, nil
}
