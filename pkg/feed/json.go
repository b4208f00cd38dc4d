package feed

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

const jsonBufferSize = 64 * 1024

func newIterator(r io.Reader) *jsoniter.Iterator {
	return jsoniter.Parse(jsoniter.ConfigDefault, r, jsonBufferSize)
}

func iterErr(iter *jsoniter.Iterator) error {
	if iter.Error != nil && iter.Error != io.EOF {
		return iter.Error
	}
	return nil
}

// seekField positions iter on the value of the named top level field.
// The document root must be an object.
func seekField(iter *jsoniter.Iterator, variant Variant, name string, want jsoniter.ValueType) error {
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		if err := iterErr(iter); err != nil {
			return &StructuralError{Variant: variant, Reason: "invalid json", Err: err}
		}
		return &StructuralError{Variant: variant, Reason: "root is not an object"}
	}

	for field := iter.ReadObject(); field != ""; field = iter.ReadObject() {
		if field == name {
			if iter.WhatIsNext() != want {
				return &StructuralError{Variant: variant, Reason: "field " + name + " has unexpected type"}
			}
			return nil
		}
		iter.Skip()
	}

	if err := iterErr(iter); err != nil {
		return &StructuralError{Variant: variant, Reason: "invalid json", Err: err}
	}
	return &StructuralError{Variant: variant, Reason: "missing field " + name}
}

// readIdentifier reads a match object and returns its cpe23Uri, if any.
func readIdentifier(iter *jsoniter.Iterator) string {
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		iter.Skip()
		return ""
	}

	var id string
	for field := iter.ReadObject(); field != ""; field = iter.ReadObject() {
		if field == "cpe23Uri" && iter.WhatIsNext() == jsoniter.StringValue {
			id = iter.ReadString()
			continue
		}
		iter.Skip()
	}
	return id
}

type jsonMatchesSource struct {
	iter    *jsoniter.Iterator
	started bool
}

func newJSONMatchesSource(r io.Reader) *jsonMatchesSource {
	return &jsonMatchesSource{iter: newIterator(r)}
}

func (s *jsonMatchesSource) next() (string, error) {
	if !s.started {
		if err := seekField(s.iter, VariantJSONMatches, "matches", jsoniter.ArrayValue); err != nil {
			return "", err
		}
		s.started = true
	}

	if !s.iter.ReadArray() {
		if err := iterErr(s.iter); err != nil {
			return "", &StructuralError{Variant: VariantJSONMatches, Reason: "invalid json", Err: err}
		}
		return "", io.EOF
	}

	id := readIdentifier(s.iter)
	if err := iterErr(s.iter); err != nil {
		return "", &StructuralError{Variant: VariantJSONMatches, Reason: "invalid json", Err: err}
	}
	return id, nil
}

// jsonCVESource streams CVE items one at a time and queues the identifiers
// found in the configuration tree of the current item.
type jsonCVESource struct {
	iter    *jsoniter.Iterator
	started bool
	pending []string
}

func newJSONCVESource(r io.Reader) *jsonCVESource {
	return &jsonCVESource{iter: newIterator(r)}
}

func (s *jsonCVESource) next() (string, error) {
	if !s.started {
		if err := seekField(s.iter, VariantJSONCVE, "CVE_Items", jsoniter.ArrayValue); err != nil {
			return "", err
		}
		s.started = true
	}

	for len(s.pending) == 0 {
		if !s.iter.ReadArray() {
			if err := iterErr(s.iter); err != nil {
				return "", &StructuralError{Variant: VariantJSONCVE, Reason: "invalid json", Err: err}
			}
			return "", io.EOF
		}

		s.pending = s.pending[:0]
		s.readItem()
		if err := iterErr(s.iter); err != nil {
			return "", &StructuralError{Variant: VariantJSONCVE, Reason: "invalid json", Err: err}
		}
	}

	id := s.pending[0]
	s.pending = s.pending[1:]
	return id, nil
}

func (s *jsonCVESource) readItem() {
	if s.iter.WhatIsNext() != jsoniter.ObjectValue {
		s.iter.Skip()
		return
	}

	for field := s.iter.ReadObject(); field != ""; field = s.iter.ReadObject() {
		if field != "configurations" || s.iter.WhatIsNext() != jsoniter.ObjectValue {
			s.iter.Skip()
			continue
		}
		for cfg := s.iter.ReadObject(); cfg != ""; cfg = s.iter.ReadObject() {
			if cfg == "nodes" {
				s.readNodes()
				continue
			}
			s.iter.Skip()
		}
	}
}

func (s *jsonCVESource) readNodes() {
	if s.iter.WhatIsNext() != jsoniter.ArrayValue {
		s.iter.Skip()
		return
	}

	for s.iter.ReadArray() {
		if s.iter.WhatIsNext() != jsoniter.ObjectValue {
			s.iter.Skip()
			continue
		}
		for field := s.iter.ReadObject(); field != ""; field = s.iter.ReadObject() {
			switch {
			case field == "children":
				s.readNodes()
			case field == "cpe_match" && s.iter.WhatIsNext() == jsoniter.ArrayValue:
				for s.iter.ReadArray() {
					s.pending = append(s.pending, readIdentifier(s.iter))
				}
			default:
				s.iter.Skip()
			}
		}
	}
}
