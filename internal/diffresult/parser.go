// Package diffresult reads the <diffResult> document the OSM API returns
// after a changeset upload.
package diffresult

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/wegman-software/osm-mirror/internal/entity"
)

// Outcome is the server's answer for one uploaded entity.
// NewID is nil for deleted entities.
type Outcome struct {
	Kind       entity.Kind
	OldID      int64
	NewID      *int64
	NewVersion int
}

// Renamed reports whether the entity was assigned a different id
func (o Outcome) Renamed() bool {
	return o.NewID != nil && *o.NewID != o.OldID
}

// Parse streams a diffResult document and returns one outcome per entity element
func Parse(ctx context.Context, r io.Reader) ([]Outcome, error) {
	dec := xml.NewDecoder(r)

	var outcomes []Outcome
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse diffResult: %w", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		kind := entity.Kind(se.Name.Local)
		if !kind.Valid() {
			continue
		}

		o, err := parseOutcome(kind, se.Attr)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, nil
}

func parseOutcome(kind entity.Kind, attrs []xml.Attr) (Outcome, error) {
	o := Outcome{Kind: kind}
	var haveOld bool

	for _, a := range attrs {
		switch a.Name.Local {
		case "old_id":
			id, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return o, fmt.Errorf("invalid old_id %q on %s: %w", a.Value, kind, err)
			}
			o.OldID = id
			haveOld = true
		case "new_id":
			id, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return o, fmt.Errorf("invalid new_id %q on %s: %w", a.Value, kind, err)
			}
			o.NewID = &id
		case "new_version":
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				return o, fmt.Errorf("invalid new_version %q on %s: %w", a.Value, kind, err)
			}
			o.NewVersion = v
		}
	}

	if !haveOld {
		return o, fmt.Errorf("%s element without old_id", kind)
	}
	return o, nil
}
