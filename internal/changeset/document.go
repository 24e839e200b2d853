// Package changeset compiles mirror changes into an osmChange document.
package changeset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

// ErrNoCoordinates is returned for a created or modified node without lat/lon
var ErrNoCoordinates = errors.New("node has no coordinates")

// Element is one entity in a changeset section
type Element struct {
	Kind    entity.Kind
	ID      int64
	Version int
	Record  entity.Record
}

// Document is an osmChange document: create, modify and delete sections in
// that order. Empty sections are not written.
type Document struct {
	Generator   string
	ChangesetID int64

	Create []Element
	Modify []Element
	Delete []Element
}

// Section returns the elements of op
func (d *Document) Section(op pipeline.Op) []Element {
	switch op {
	case pipeline.OpCreate:
		return d.Create
	case pipeline.OpModify:
		return d.Modify
	case pipeline.OpDelete:
		return d.Delete
	}
	return nil
}

// Len returns the number of elements in all sections
func (d *Document) Len() int {
	return len(d.Create) + len(d.Modify) + len(d.Delete)
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Encode writes the document as indented XML
func (d *Document) Encode(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := start("osmChange", attr("version", "0.6"), attr("generator", d.Generator))
	if err := enc.EncodeToken(root); err != nil {
		return err
	}

	for _, op := range pipeline.Ops {
		elements := d.Section(op)
		if len(elements) == 0 {
			continue
		}

		section := start(string(op))
		if op == pipeline.OpDelete {
			section.Attr = append(section.Attr, attr("if-unused", "true"))
		}
		if err := enc.EncodeToken(section); err != nil {
			return err
		}
		for _, el := range elements {
			if err := d.encodeElement(enc, op, el); err != nil {
				return fmt.Errorf("failed to encode %s %d: %w", el.Kind, el.ID, err)
			}
		}
		if err := enc.EncodeToken(section.End()); err != nil {
			return err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (d *Document) encodeElement(enc *xml.Encoder, op pipeline.Op, el Element) error {
	rec := el.Record
	se := start(string(el.Kind),
		attr("id", strconv.FormatInt(el.ID, 10)),
		attr("version", strconv.Itoa(el.Version)),
		attr("changeset", strconv.FormatInt(d.ChangesetID, 10)),
	)

	// Deletes identify the entity only
	if op == pipeline.OpDelete {
		if err := enc.EncodeToken(se); err != nil {
			return err
		}
		return enc.EncodeToken(se.End())
	}

	if el.Kind == entity.KindNode {
		if rec.Lat == nil || rec.Lon == nil {
			return ErrNoCoordinates
		}
		se.Attr = append(se.Attr, attr("lat", formatCoord(*rec.Lat)), attr("lon", formatCoord(*rec.Lon)))
	}
	if err := enc.EncodeToken(se); err != nil {
		return err
	}

	switch el.Kind {
	case entity.KindWay:
		for _, ref := range rec.Nds {
			if err := emptyElement(enc, "nd", attr("ref", strconv.FormatInt(ref, 10))); err != nil {
				return err
			}
		}
	case entity.KindRelation:
		for _, m := range rec.Members {
			memberType := m.Type
			if kind, err := m.Kind(); err == nil {
				memberType = string(kind)
			}
			err := emptyElement(enc, "member",
				attr("type", memberType),
				attr("ref", strconv.FormatInt(m.Ref, 10)),
				attr("role", m.Role),
			)
			if err != nil {
				return err
			}
		}
	}

	for _, k := range rec.SortedTagKeys() {
		if err := emptyElement(enc, "tag", attr("k", k), attr("v", rec.Tags[k])); err != nil {
			return err
		}
	}

	return enc.EncodeToken(se.End())
}

func emptyElement(enc *xml.Encoder, name string, attrs ...xml.Attr) error {
	se := start(name, attrs...)
	if err := enc.EncodeToken(se); err != nil {
		return err
	}
	return enc.EncodeToken(se.End())
}
