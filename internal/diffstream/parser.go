package diffstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

// ErrMalformedAction is returned for a line that does not describe an entity change.
// It is fatal for the run.
var ErrMalformedAction = errors.New("malformed action")

const maxLineSize = 1024 * 1024

// Stats tracks diff stream parsing statistics
type Stats struct {
	Lines    int64
	Creates  int64
	Modifies int64
	Deletes  int64
}

// Parser reads a name-status diff ("<A|M|D>\t<kind>/<id>.<ext>" per line) into actions
type Parser struct {
	stats Stats
}

// NewParser creates a new diff stream parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics
func (p *Parser) Stats() Stats {
	return p.stats
}

// Parse reads every action from r in input order.
// Lines may be split across reads in any way; an unterminated last line is still parsed.
// On error no actions are returned.
func (p *Parser) Parse(ctx context.Context, r io.Reader) ([]pipeline.Action, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var actions []pipeline.Action
	lineNo := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		action, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		p.stats.Lines++
		switch action.Op {
		case pipeline.OpCreate:
			p.stats.Creates++
		case pipeline.OpModify:
			p.stats.Modifies++
		case pipeline.OpDelete:
			p.stats.Deletes++
		}
		actions = append(actions, action)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading diff stream: %w", err)
	}

	return actions, nil
}

// ParseLine parses a single "<code>\t<path>" line
func ParseLine(line string) (pipeline.Action, error) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return pipeline.Action{}, fmt.Errorf("%w: expected <action>\\t<path>, got %q", ErrMalformedAction, line)
	}

	op, ok := pipeline.OpFromCode(parts[0])
	if !ok {
		return pipeline.Action{}, fmt.Errorf("%w: unsupported action %q", ErrMalformedAction, parts[0])
	}

	kind, id, err := ParsePath(parts[1])
	if err != nil {
		return pipeline.Action{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	return pipeline.Action{
		Op:      op,
		Kind:    kind,
		LocalID: id,
		Path:    parts[1],
	}, nil
}

// ParsePath extracts the kind (from the parent directory) and the local id
// (from the extension-stripped file name) of an entity path such as "ways/-2.yaml".
func ParsePath(p string) (entity.Kind, int64, error) {
	dir, file := path.Split(path.Clean(p))
	kind, err := entity.KindFromDir(path.Base(dir))
	if err != nil {
		return "", 0, err
	}

	name := strings.TrimSuffix(file, path.Ext(file))
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid entity id %q in %q", name, p)
	}

	return kind, id, nil
}
