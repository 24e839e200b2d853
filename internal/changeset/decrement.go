package changeset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DecrementModifyVersions copies an osmChange document from r to w, lowering
// the version of every element in a modify section by one. Documents compiled
// from post-edit records without local version resolution need this before
// upload. Everything else, whitespace included, is copied unchanged.
func DecrementModifyVersions(r io.Reader, w io.Writer) (int, error) {
	dec := xml.NewDecoder(r)
	enc := xml.NewEncoder(w)

	var (
		depth    int
		inModify bool
		changed  int
	)

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return changed, fmt.Errorf("failed to parse osmChange: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == "modify" {
				inModify = true
			}
			if inModify && depth == 3 {
				for i, a := range t.Attr {
					if a.Name.Local != "version" {
						continue
					}
					v, err := strconv.Atoi(a.Value)
					if err != nil {
						return changed, fmt.Errorf("invalid version %q on %s: %w", a.Value, t.Name.Local, err)
					}
					t.Attr[i].Value = strconv.Itoa(v - 1)
					changed++
				}
			}
			tok = t
		case xml.EndElement:
			if depth == 2 && t.Name.Local == "modify" {
				inModify = false
			}
			depth--
		}

		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return changed, err
		}
	}

	if err := enc.Flush(); err != nil {
		return changed, err
	}
	return changed, nil
}
