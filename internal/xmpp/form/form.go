// Package form reads and writes XEP-0004 data forms.
package form

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"

	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// Form types.
const (
	TypeForm   = "form"
	TypeSubmit = "submit"
	TypeCancel = "cancel"
	TypeResult = "result"
)

// FormTypeVar is the hidden field naming the form's purpose.
const FormTypeVar = "FORM_TYPE"

// Option is a choice of a list field.
type Option struct {
	Label string `xml:"label,attr"`
	Value string `xml:"value"`
}

// Field is a single form field.
type Field struct {
	Var      string    `xml:"var,attr"`
	Type     string    `xml:"type,attr"`
	Label    string    `xml:"label,attr"`
	Desc     string    `xml:"desc"`
	Required *struct{} `xml:"required"`
	Values   []string  `xml:"value"`
	Options  []Option  `xml:"option"`
}

// Value returns the first value of the field.
func (f Field) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// IsRequired reports whether the field must be filled in.
func (f Field) IsRequired() bool {
	return f.Required != nil
}

// Form is a data form.
type Form struct {
	XMLName      xml.Name `xml:"jabber:x:data x"`
	Type         string   `xml:"type,attr"`
	Title        string   `xml:"title"`
	Instructions []string `xml:"instructions"`
	Fields       []Field  `xml:"field"`
}

// Field returns the field named v.
func (f *Form) Field(v string) (Field, bool) {
	for _, field := range f.Fields {
		if field.Var == v {
			return field, true
		}
	}
	return Field{}, false
}

// Value returns the first value of the field named v.
func (f *Form) Value(v string) string {
	field, _ := f.Field(v)
	return field.Value()
}

// FormType returns the value of the FORM_TYPE field.
func (f *Form) FormType() string {
	return f.Value(FormTypeVar)
}

// Set replaces the values of the field named v, adding the field if it is
// missing.
func (f *Form) Set(v string, values ...string) {
	for i := range f.Fields {
		if f.Fields[i].Var == v {
			f.Fields[i].Values = values
			return
		}
	}
	f.Fields = append(f.Fields, Field{Var: v, Values: values})
}

// Find returns the first data form among the children of ext.
func Find(ext *stanza.Extension) (*Form, error) {
	var wrapper struct {
		Forms []Form `xml:"jabber:x:data x"`
	}
	if err := ext.Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("form: %w", err)
	}
	if len(wrapper.Forms) == 0 {
		return nil, nil
	}
	return &wrapper.Forms[0], nil
}

// Submit returns a submission carrying the fields of f that have a var.
// Fixed fields and field metadata are not sent back.
func Submit(f *Form) xml.TokenReader {
	var fields []xml.TokenReader
	for _, field := range f.Fields {
		if field.Var == "" || field.Type == "fixed" {
			continue
		}
		values := make([]xml.TokenReader, 0, len(field.Values))
		for _, v := range field.Values {
			values = append(values, value(v))
		}
		fields = append(fields, stanza.Element(xml.Name{Local: "field"}, []xml.Attr{
			stanza.Attr("var", field.Var),
			stanza.Attr("type", field.Type),
		}, values...))
	}
	return stanza.Element(xml.Name{Space: ns.DataForm, Local: "x"},
		[]xml.Attr{stanza.Attr("type", TypeSubmit)}, fields...)
}

// Cancel returns a form cancellation.
func Cancel() xml.TokenReader {
	return stanza.Element(xml.Name{Space: ns.DataForm, Local: "x"},
		[]xml.Attr{stanza.Attr("type", TypeCancel)})
}

// value keeps empty values so that a cleared field is submitted as such.
func value(v string) xml.TokenReader {
	return xmlstream.Wrap(xmlstream.Token(xml.CharData(v)), xml.StartElement{Name: xml.Name{Local: "value"}})
}
