package cpe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// SpecVersion is the CPE specification version of every canonical name.
	SpecVersion = "2.3"

	// Any and NA are the logical attribute values in formatted-string form.
	Any = "*"
	NA  = "-"

	fsPrefix  = "cpe:2.3:"
	uriPrefix = "cpe:/"

	numAttributes = 11
	numURIFields  = 7
	editionIndex  = 5
)

// ParseError reports an identifier that cannot be unbound into a well-formed
// name. It is a per-entry error: callers skip the entry and continue.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cpe: cannot parse %q: %s", e.Input, e.Reason)
}

// WFN is a well-formed name. Attribute values are held in their canonical
// formatted-string form: lower case, "*" for ANY, "-" for NA, and every
// punctuation character other than '.', '-' and '_' quoted with a backslash.
type WFN struct {
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SWEdition string
	TargetSW  string
	TargetHW  string
	Other     string
}

var attributeNames = [numAttributes]string{
	"part", "vendor", "product", "version", "update", "edition",
	"language", "sw_edition", "target_sw", "target_hw", "other",
}

func (w WFN) values() [numAttributes]string {
	return [numAttributes]string{
		w.Part, w.Vendor, w.Product, w.Version, w.Update, w.Edition,
		w.Language, w.SWEdition, w.TargetSW, w.TargetHW, w.Other,
	}
}

func fromValues(v [numAttributes]string) WFN {
	return WFN{
		Part:      v[0],
		Vendor:    v[1],
		Product:   v[2],
		Version:   v[3],
		Update:    v[4],
		Edition:   v[5],
		Language:  v[6],
		SWEdition: v[7],
		TargetSW:  v[8],
		TargetHW:  v[9],
		Other:     v[10],
	}
}

// BindToFS returns the 2.3 formatted string binding of the name.
func (w WFN) BindToFS() string {
	v := w.values()
	return fsPrefix + strings.Join(v[:], ":")
}

func (w WFN) String() string {
	return w.BindToFS()
}

// Parse unbinds either a 2.3 formatted string ("cpe:2.3:...") or a legacy
// URI ("cpe:/...") into a well-formed name.
func Parse(s string) (WFN, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)

	var (
		vals [numAttributes]string
		err  error
	)
	switch {
	case strings.HasPrefix(lower, fsPrefix):
		vals, err = unbindFS(trimmed[len(fsPrefix):])
	case strings.HasPrefix(lower, uriPrefix):
		vals, err = unbindURI(trimmed[len(uriPrefix):])
	default:
		err = errors.New("unknown binding prefix")
	}
	if err != nil {
		return WFN{}, &ParseError{Input: s, Reason: err.Error()}
	}

	switch vals[0] {
	case "a", "o", "h", Any, NA:
	default:
		return WFN{}, &ParseError{Input: s, Reason: fmt.Sprintf("invalid part %q", vals[0])}
	}

	return fromValues(vals), nil
}

func unbindFS(body string) ([numAttributes]string, error) {
	var vals [numAttributes]string

	comps, err := splitFS(body)
	if err != nil {
		return vals, err
	}
	if len(comps) != numAttributes {
		return vals, fmt.Errorf("expected %d attributes, found %d", numAttributes, len(comps))
	}

	for i, c := range comps {
		v, err := normalizeFS(c)
		if err != nil {
			return vals, fmt.Errorf("attribute %s: %w", attributeNames[i], err)
		}
		vals[i] = v
	}
	return vals, nil
}

// splitFS splits on colons that are not quoted by a backslash.
func splitFS(body string) ([]string, error) {
	var (
		comps []string
		start int
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\\':
			if i+1 >= len(body) {
				return nil, errors.New("dangling escape")
			}
			i++
		case ':':
			comps = append(comps, body[start:i])
			start = i + 1
		}
	}
	return append(comps, body[start:]), nil
}

func normalizeFS(v string) (string, error) {
	if v == "" {
		return "", errors.New("empty value")
	}
	if v == Any || v == NA {
		return v, nil
	}

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case !isPrintable(c):
			return "", fmt.Errorf("invalid character %q", c)
		case isAlnum(c) || c == '_':
			b.WriteByte(toLower(c))
		case c == '.' || c == '-':
			b.WriteByte(c)
		case c == '\\':
			if i+1 >= len(v) {
				return "", errors.New("dangling escape")
			}
			i++
			e := v[i]
			switch {
			case e == '.' || e == '-' || e == '_':
				b.WriteByte(e)
			case isAlnum(e) || !isPrintable(e):
				return "", fmt.Errorf("invalid escape %q", e)
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		case c == '*':
			if i != 0 && i != len(v)-1 {
				return "", errors.New("embedded '*'")
			}
			b.WriteByte(c)
		case c == '?':
			if strings.Trim(v[:i], "?") != "" && strings.Trim(v[i+1:], "?") != "" {
				return "", errors.New("embedded '?'")
			}
			b.WriteByte(c)
		default:
			b.WriteByte('\\')
			b.WriteByte(c)
		}
	}
	return quoteBareNA(b.String()), nil
}

func unbindURI(body string) ([numAttributes]string, error) {
	var vals [numAttributes]string
	for i := range vals {
		vals[i] = Any
	}

	comps := strings.Split(body, ":")
	if len(comps) > numURIFields {
		return vals, fmt.Errorf("expected at most %d fields, found %d", numURIFields, len(comps))
	}

	for i, c := range comps {
		if i == editionIndex && strings.HasPrefix(c, "~") {
			packed := strings.Split(c, "~")
			if len(packed) != 6 {
				return vals, errors.New("malformed packed edition")
			}
			for j, idx := range []int{5, 7, 8, 9, 10} {
				v, err := decodeURI(packed[j+1])
				if err != nil {
					return vals, fmt.Errorf("attribute %s: %w", attributeNames[idx], err)
				}
				vals[idx] = v
			}
			continue
		}

		v, err := decodeURI(c)
		if err != nil {
			return vals, fmt.Errorf("attribute %s: %w", attributeNames[i], err)
		}
		vals[i] = v
	}
	return vals, nil
}

func decodeURI(v string) (string, error) {
	switch v {
	case "":
		return Any, nil
	case NA:
		return NA, nil
	}

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case !isPrintable(c):
			return "", fmt.Errorf("invalid character %q", c)
		case isAlnum(c) || c == '_':
			b.WriteByte(toLower(c))
		case c == '.' || c == '-':
			b.WriteByte(c)
		case c == '%':
			if i+2 >= len(v) {
				return "", errors.New("truncated percent encoding")
			}
			code := strings.ToLower(v[i+1 : i+3])
			i += 2
			switch code {
			case "01":
				leading := strings.Trim(b.String(), "?") == ""
				trailing := strings.ReplaceAll(strings.ToLower(v[i+1:]), "%01", "") == ""
				if !leading && !trailing {
					return "", errors.New("embedded '?'")
				}
				b.WriteByte('?')
			case "02":
				if b.Len() != 0 && i != len(v)-1 {
					return "", errors.New("embedded '*'")
				}
				b.WriteByte('*')
			default:
				n, err := strconv.ParseUint(code, 16, 8)
				if err != nil {
					return "", fmt.Errorf("invalid percent encoding %q", code)
				}
				d := byte(n)
				switch {
				case !isPrintable(d):
					return "", fmt.Errorf("invalid encoded character %q", d)
				case isAlnum(d) || d == '_':
					b.WriteByte(toLower(d))
				case d == '.' || d == '-':
					b.WriteByte(d)
				default:
					b.WriteByte('\\')
					b.WriteByte(d)
				}
			}
		default:
			b.WriteByte('\\')
			b.WriteByte(c)
		}
	}
	return quoteBareNA(b.String()), nil
}

// quoteBareNA keeps a literal lone hyphen distinct from the NA value.
func quoteBareNA(v string) string {
	if v == NA {
		return `\-`
	}
	return v
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isPrintable(c byte) bool {
	return c > 0x20 && c < 0x7f
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
