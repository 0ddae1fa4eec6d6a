package stanza

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"
)

type rawReader struct {
	d *xml.Decoder
}

// RawReader returns a token reader over a fragment of XML without resolving
// namespace prefixes, so that the tokens can be re-encoded verbatim.
func RawReader(fragment []byte) xml.TokenReader {
	if len(fragment) == 0 {
		return nil
	}
	return rawReader{d: xml.NewDecoder(bytes.NewReader(fragment))}
}

func (r rawReader) Token() (xml.Token, error) {
	tok, err := r.d.RawToken()
	if err != nil {
		return nil, err
	}
	return xml.CopyToken(tok), nil
}

// TokenReader returns the extension as a complete element. Namespace
// declarations are dropped from the attributes; the element name already
// carries its namespace.
func (e Extension) TokenReader() xml.TokenReader {
	attrs := make([]xml.Attr, 0, len(e.Attrs))
	for _, a := range e.Attrs {
		if !isNSDecl(a) {
			attrs = append(attrs, a)
		}
	}
	return xmlstream.Wrap(RawReader(e.Inner), xml.StartElement{Name: e.XMLName, Attr: attrs})
}

// Decode unmarshals the extension element into v. The namespace is declared
// as the default one so that unqualified children inherit it, as they did on
// the wire.
func (e Extension) Decode(v interface{}) error {
	attrs := make([]xml.Attr, 0, len(e.Attrs)+1)
	if e.XMLName.Space != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: e.XMLName.Space})
	}
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	start := xml.StartElement{Name: xml.Name{Local: e.XMLName.Local}, Attr: attrs}
	return xml.NewTokenDecoder(xmlstream.Wrap(RawReader(e.Inner), start)).Decode(v)
}

// Bare returns r with namespace declarations removed from every start
// element. Tokens produced by a namespace-aware decoder already carry their
// namespace in the element name and would otherwise be declared twice when
// re-encoded.
func Bare(r xml.TokenReader) xml.TokenReader {
	return xmlstream.ReaderFunc(func() (xml.Token, error) {
		tok, err := r.Token()
		if start, ok := tok.(xml.StartElement); ok {
			attrs := make([]xml.Attr, 0, len(start.Attr))
			for _, a := range start.Attr {
				if !isNSDecl(a) {
					attrs = append(attrs, a)
				}
			}
			start.Attr = attrs
			tok = start
		}
		return tok, err
	})
}

func isNSDecl(a xml.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}
