package osc

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

const changeBuffer = 1000

// Parser streams the elements of an osmChange document
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns what has been parsed so far. Only read it once the change
// channel is closed.
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile streams the changes of an OSC file; names ending in .gz are decompressed
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan Change, <-chan error) {
	return p.stream(ctx, func(changes chan<- Change) error {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to open OSC file: %w", err)
		}
		defer f.Close()

		var r io.Reader = f
		if strings.HasSuffix(filename, ".gz") {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("failed to create gzip reader: %w", err)
			}
			defer gz.Close()
			r = gz
		}
		return p.parse(ctx, r, changes)
	})
}

// ParseReader streams the changes read from r
func (p *Parser) ParseReader(ctx context.Context, r io.Reader) (<-chan Change, <-chan error) {
	return p.stream(ctx, func(changes chan<- Change) error {
		return p.parse(ctx, r, changes)
	})
}

func (p *Parser) stream(ctx context.Context, run func(chan<- Change) error) (<-chan Change, <-chan error) {
	changes := make(chan Change, changeBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(changes)

		if err := run(changes); err != nil {
			errs <- err
		}
	}()

	return changes, errs
}

func (p *Parser) parse(ctx context.Context, r io.Reader, changes chan<- Change) error {
	decoder := xml.NewDecoder(r)
	var section pipeline.Op

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse osmChange: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			if op, ok := sectionOp(t.Name.Local); ok {
				section = op
				continue
			}
			kind := entity.Kind(t.Name.Local)
			if !kind.Valid() {
				continue
			}
			if section == "" {
				return fmt.Errorf("%s element outside of a create, modify or delete section", kind)
			}

			change, err := parseElement(decoder, t, section)
			if err != nil {
				return err
			}
			select {
			case changes <- change:
				p.stats.count(change)
			case <-ctx.Done():
				return ctx.Err()
			}
		case xml.EndElement:
			if _, ok := sectionOp(t.Name.Local); ok {
				section = ""
			}
		}
	}
}

func sectionOp(name string) (pipeline.Op, bool) {
	switch name {
	case "create":
		return pipeline.OpCreate, true
	case "modify":
		return pipeline.OpModify, true
	case "delete":
		return pipeline.OpDelete, true
	}
	return "", false
}

func attrs(se xml.StartElement) map[string]string {
	m := make(map[string]string, len(se.Attr))
	for _, a := range se.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

// parseElement reads a node, way or relation up to its end tag
func parseElement(decoder *xml.Decoder, start xml.StartElement, section pipeline.Op) (Change, error) {
	kind := entity.Kind(start.Name.Local)
	a := attrs(start)

	change := Change{
		Action:  section,
		Kind:    kind,
		Visible: section != pipeline.OpDelete && a["visible"] != "false",
	}
	rec, err := recordFromAttrs(a)
	if err != nil {
		return change, fmt.Errorf("invalid %s: %w", kind, err)
	}

	for {
		token, err := decoder.Token()
		if err != nil {
			return change, fmt.Errorf("failed to read %s %d: %w", kind, rec.ID, err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			if err := addChild(&rec, t); err != nil {
				return change, fmt.Errorf("invalid %s %d: %w", kind, rec.ID, err)
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				change.Record = rec
				return change, nil
			}
		}
	}
}

func recordFromAttrs(a map[string]string) (entity.Record, error) {
	var rec entity.Record
	var err error

	if rec.ID, err = strconv.ParseInt(a["id"], 10, 64); err != nil {
		return rec, fmt.Errorf("id: %w", err)
	}
	if v, ok := a["version"]; ok {
		if rec.Version, err = strconv.Atoi(v); err != nil {
			return rec, fmt.Errorf("version: %w", err)
		}
	}
	if v, ok := a["uid"]; ok {
		if rec.UID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return rec, fmt.Errorf("uid: %w", err)
		}
	}
	rec.User = a["user"]

	for _, coord := range []struct {
		key string
		dst **float64
	}{{"lat", &rec.Lat}, {"lon", &rec.Lon}} {
		v, ok := a[coord.key]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rec, fmt.Errorf("%s: %w", coord.key, err)
		}
		*coord.dst = entity.Float(f)
	}
	return rec, nil
}

// addChild folds an nd, member or tag element into rec
func addChild(rec *entity.Record, se xml.StartElement) error {
	a := attrs(se)

	switch se.Name.Local {
	case "nd":
		ref, err := strconv.ParseInt(a["ref"], 10, 64)
		if err != nil {
			return fmt.Errorf("nd ref: %w", err)
		}
		rec.Nds = append(rec.Nds, ref)
	case "member":
		kind, err := entity.KindFromMemberType(a["type"])
		if err != nil {
			return err
		}
		ref, err := strconv.ParseInt(a["ref"], 10, 64)
		if err != nil {
			return fmt.Errorf("member ref: %w", err)
		}
		// Records keep the one-letter member type
		rec.Members = append(rec.Members, entity.Member{Type: kind.Short(), Ref: ref, Role: a["role"]})
	case "tag":
		k := a["k"]
		if k == "" {
			return nil
		}
		if rec.Tags == nil {
			rec.Tags = make(map[string]string)
		}
		rec.Tags[k] = a["v"]
	}
	return nil
}
