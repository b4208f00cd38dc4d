package feed

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/cpemirror/pkg/cpe"
)

const xmlDictionary = `<?xml version='1.0' encoding='UTF-8'?>
<cpe-list xmlns:cpe-23="http://scap.nist.gov/schema/cpe-extension/2.3" xmlns="http://cpe.mitre.org/dictionary/2.0">
  <generator>
    <product_name>National Vulnerability Database (NVD)</product_name>
    <schema_version>2.3</schema_version>
  </generator>
  <cpe-item name="cpe:/a:acme:widget:1.0">
    <title xml:lang="en-US">Acme Widget 1.0</title>
    <references>
      <reference href="https://acme.example/">Vendor</reference>
    </references>
    <cpe-23:cpe23-item name="cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"/>
  </cpe-item>
  <cpe-item name="cpe:/o:acme:os:2">
    <title xml:lang="en-US">Acme OS 2</title>
  </cpe-item>
  <cpe-item name="cpe:/h:acme:router:3">
    <title xml:lang="en-US">Acme Router 3</title>
    <cpe-23:cpe23-item name="cpe:2.3:h:acme:router:3:*:*:*:*:*:*:*">
      <cpe-23:deprecation date="2021-01-01T00:00:00.000Z"/>
    </cpe-23:cpe23-item>
  </cpe-item>
</cpe-list>`

const jsonMatches = `{
  "matches": [
    {"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*", "cpe_name": [{"cpe23Uri": "ignored"}]},
    {"cpe23Uri": ""},
    {"versionStartIncluding": "1.0"},
    {"cpe23Uri": "not a cpe"},
    {"cpe23Uri": "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*"}
  ]
}`

const jsonCVE = `{
  "CVE_data_type": "CVE",
  "CVE_Items": [
    {
      "cve": {"CVE_data_meta": {"ID": "CVE-2020-0001"}},
      "configurations": {
        "CVE_data_version": "4.0",
        "nodes": [
          {
            "operator": "AND",
            "children": [
              {"operator": "OR", "cpe_match": [
                {"vulnerable": true, "cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}
              ]},
              {"operator": "OR", "cpe_match": [
                {"vulnerable": false, "cpe23Uri": "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*"}
              ]}
            ],
            "cpe_match": []
          }
        ]
      }
    },
    {"cve": {}, "configurations": {"nodes": []}},
    {
      "configurations": {
        "nodes": [
          {"operator": "OR", "cpe_match": [
            {"vulnerable": true, "cpe23Uri": "cpe:2.3:h:acme:router:3:*:*:*:*:*:*:*"},
            {"vulnerable": true}
          ]}
        ]
      }
    }
  ]
}`

func readAll(t *testing.T, r *Reader) ([][]cpe.Record, error) {
	t.Helper()
	var batches [][]cpe.Record
	for {
		batch, err := r.Next()
		if err == io.EOF {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
}

func names(batches [][]cpe.Record) []string {
	var out []string
	for _, b := range batches {
		for _, r := range b {
			out = append(out, r.Name)
		}
	}
	return out
}

func TestReaderVariants(t *testing.T) {
	cases := []struct {
		variant Variant
		doc     string
		want    []string
	}{
		{
			variant: VariantXMLDictionary,
			doc:     xmlDictionary,
			want: []string{
				"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*",
				"cpe:2.3:h:acme:router:3:*:*:*:*:*:*:*",
			},
		},
		{
			variant: VariantJSONMatches,
			doc:     jsonMatches,
			want: []string{
				"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*",
				"cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*",
			},
		},
		{
			variant: VariantJSONCVE,
			doc:     jsonCVE,
			want: []string{
				"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*",
				"cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*",
				"cpe:2.3:h:acme:router:3:*:*:*:*:*:*:*",
			},
		},
	}

	for _, tc := range cases {
		t.Run(string(tc.variant), func(t *testing.T) {
			r, err := NewReader(strings.NewReader(tc.doc), tc.variant)
			require.NoError(t, err)

			batches, err := readAll(t, r)
			require.NoError(t, err)
			require.Len(t, batches, 1)
			assert.Equal(t, tc.want, names(batches))
		})
	}
}

func TestReaderSkipsEmptyIdentifier(t *testing.T) {
	doc := `{"matches": [
		{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
		{"cpe23Uri": ""}
	]}`

	r, err := NewReader(strings.NewReader(doc), VariantJSONMatches)
	require.NoError(t, err)

	batches, err := readAll(t, r)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, cpe.TypeSoftware, batches[0][0].Type)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(1), stats.Records)
}

func TestReaderInvalidEntriesAreSoft(t *testing.T) {
	var entryErrs []error
	r, err := NewReader(
		strings.NewReader(jsonMatches),
		VariantJSONMatches,
		WithEntryErrorHandler(func(err error) {
			entryErrs = append(entryErrs, err)
		}),
	)
	require.NoError(t, err)

	batches, err := readAll(t, r)
	require.NoError(t, err)
	assert.Len(t, names(batches), 2)
	require.Len(t, entryErrs, 1)

	var perr *cpe.ParseError
	assert.ErrorAs(t, entryErrs[0], &perr)
	assert.Equal(t, int64(1), r.Stats().Invalid)
}

func TestReaderBatching(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"matches": [`)
	for i := 0; i < 25; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"cpe23Uri": "cpe:2.3:a:acme:product_%d:1.0:*:*:*:*:*:*:*"}`, i)
	}
	sb.WriteString(`]}`)

	r, err := NewReader(strings.NewReader(sb.String()), VariantJSONMatches, WithBatchSize(10))
	require.NoError(t, err)

	batches, err := readAll(t, r)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)

	// file order is preserved across batches
	all := names(batches)
	for i, n := range all {
		assert.Equal(t, fmt.Sprintf("cpe:2.3:a:acme:product_%d:1.0:*:*:*:*:*:*:*", i), n)
	}

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

// The generated document is streamed through a pipe and never exists in
// memory as a whole.
func TestReaderLargeFeedBoundedBatches(t *testing.T) {
	const (
		entries   = 200_000
		batchSize = 500
	)

	for _, variant := range []Variant{VariantXMLDictionary, VariantJSONMatches} {
		t.Run(string(variant), func(t *testing.T) {
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(generate(pw, variant, entries))
			}()

			r, err := NewReader(pr, variant, WithBatchSize(batchSize))
			require.NoError(t, err)

			var total, peak int
			for {
				batch, err := r.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				if len(batch) > peak {
					peak = len(batch)
				}
				total += len(batch)
			}

			assert.Equal(t, entries, total)
			assert.LessOrEqual(t, peak, batchSize)
		})
	}
}

func generate(w io.Writer, variant Variant, n int) error {
	switch variant {
	case VariantXMLDictionary:
		if _, err := io.WriteString(w, `<cpe-list xmlns:cpe-23="http://scap.nist.gov/schema/cpe-extension/2.3">`); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			_, err := fmt.Fprintf(w,
				`<cpe-item name="cpe:/a:v:p%d"><title>p%d</title><cpe-23:cpe23-item name="cpe:2.3:a:v:p%d:*:*:*:*:*:*:*:*"/></cpe-item>`,
				i, i, i)
			if err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</cpe-list>`)
		return err
	default:
		if _, err := io.WriteString(w, `{"matches":[`); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			sep := ","
			if i == 0 {
				sep = ""
			}
			if _, err := fmt.Fprintf(w, `%s{"cpe23Uri":"cpe:2.3:a:v:p%d:*:*:*:*:*:*:*:*"}`, sep, i); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `]}`)
		return err
	}
}

func TestReaderStructuralErrors(t *testing.T) {
	cases := map[string]struct {
		variant Variant
		doc     string
	}{
		"xml wrong root":     {VariantXMLDictionary, `<rss><channel/></rss>`},
		"xml empty":          {VariantXMLDictionary, ``},
		"xml truncated":      {VariantXMLDictionary, `<cpe-list><cpe-item name="x"><title>t`},
		"json not object":    {VariantJSONMatches, `[{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}]`},
		"json missing field": {VariantJSONMatches, `{"CVE_Items": []}`},
		"json wrong type":    {VariantJSONMatches, `{"matches": {"cpe23Uri": "x"}}`},
		"json syntax":        {VariantJSONMatches, `{"matches": [{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}`},
		"cve missing items":  {VariantJSONCVE, `{"matches": []}`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := NewReader(strings.NewReader(tc.doc), tc.variant)
			require.NoError(t, err)

			_, err = readAll(t, r)
			require.Error(t, err)
			assert.True(t, IsStructural(err), err.Error())

			// the sequence stays terminated
			_, err = r.Next()
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestOpenRestartsFromScratch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "official-cpe-dictionary_v2.3.xml")
	require.NoError(t, os.WriteFile(path, []byte(xmlDictionary), 0644))

	for i := 0; i < 2; i++ {
		r, err := Open(path, VariantXMLDictionary)
		require.NoError(t, err)

		batches, err := readAll(t, r)
		require.NoError(t, err)
		assert.Len(t, names(batches), 2)
		require.NoError(t, r.Close())
	}
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("json-cve")
	require.NoError(t, err)
	assert.Equal(t, VariantJSONCVE, v)

	_, err = ParseVariant("csv")
	assert.Error(t, err)

	_, err = NewReader(strings.NewReader(""), Variant("csv"))
	assert.Error(t, err)
}
