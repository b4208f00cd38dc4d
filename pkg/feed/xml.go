package feed

import (
	"encoding/xml"
	"io"
)

const (
	xmlRootElement = "cpe-list"
	xmlItemElement = "cpe-item"
	xmlNameElement = "cpe23-item"
)

// xmlDictionarySource walks the dictionary token by token. Elements that do
// not carry an identifier are skipped without being decoded, so nothing of a
// consumed cpe-item outlives its end tag.
type xmlDictionarySource struct {
	dec     *xml.Decoder
	started bool
}

func newXMLDictionarySource(r io.Reader) *xmlDictionarySource {
	return &xmlDictionarySource{dec: xml.NewDecoder(r)}
}

func (s *xmlDictionarySource) structural(reason string, err error) error {
	return &StructuralError{Variant: VariantXMLDictionary, Reason: reason, Err: err}
}

func (s *xmlDictionarySource) next() (string, error) {
	if !s.started {
		if err := s.expectRoot(); err != nil {
			return "", err
		}
		s.started = true
	}

	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return "", io.EOF
		}
		if err != nil {
			return "", s.structural("invalid xml", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == xmlItemElement {
			return s.readItem()
		}
		// generator and other top level metadata
		if err := s.dec.Skip(); err != nil {
			return "", s.structural("invalid xml", err)
		}
	}
}

func (s *xmlDictionarySource) expectRoot() error {
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return s.structural("empty document", nil)
		}
		if err != nil {
			return s.structural("invalid xml", err)
		}

		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != xmlRootElement {
				return s.structural("unexpected root element <"+start.Name.Local+">", nil)
			}
			return nil
		}
	}
}

// readItem consumes a cpe-item up to and including its end tag.
func (s *xmlDictionarySource) readItem() (string, error) {
	var id string
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return "", s.structural("truncated "+xmlItemElement, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == xmlNameElement {
				id = attr(t, "name")
			}
			if err := s.dec.Skip(); err != nil {
				return "", s.structural("invalid xml", err)
			}
		case xml.EndElement:
			return id, nil
		}
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}
