// Package stdin implements the stdin input kind: each line is typed by
// a declared line_type (zeek, suricata, argus) and wrapped as
// {line: {data, line_type}, input_type: 'stdin'}; zeek lines are
// pre-parsed from JSON text to a structured mapping before enqueueing.
// The sentinel line "done" terminates the source.
package stdin

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
	"github.com/flowsentinel/sentryflow/internal/input/binetflow"
	"github.com/flowsentinel/sentryflow/internal/input/suricata"
	"github.com/flowsentinel/sentryflow/internal/input/zeek"
)

func init() {
	input.Register(input.KindStdin, func(d input.Descriptor) (input.Source, error) {
		return &Source{lineType: d.PathOrStream}, nil
	})
}

const doneSentinel = "done"

// Source reads newline-delimited records from os.Stdin (or, in tests,
// an injected reader), every line tagged with the same declared
// line_type.
type Source struct {
	lineType string
	r        io.Reader
}

// LineEnvelope mirrors the stdin wrapping:
// {line: {data, line_type}, input_type: 'stdin'}.
type LineEnvelope struct {
	Line struct {
		Data     string `json:"data"`
		LineType string `json:"line_type"`
	} `json:"line"`
	InputType string `json:"input_type"`
}

var argusIndex = binetflow.BuildIndex(binetflow.DefaultHeader)

func (s *Source) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	r := s.r
	if r == nil {
		r = os.Stdin
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineType := strings.ToLower(strings.TrimSpace(s.lineType))

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(raw) == doneSentinel {
			return nil
		}
		if raw == "" {
			continue
		}

		env := wrap(raw, lineType)
		rec, err := s.decode(env)
		if err != nil {
			errs.Incr()
			continue
		}
		if rec == nil {
			continue
		}

		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

func wrap(data, lineType string) LineEnvelope {
	var env LineEnvelope
	env.InputType = "stdin"
	env.Line.Data = data
	env.Line.LineType = lineType
	return env
}

func (s *Source) decode(env LineEnvelope) (*flow.Record, error) {
	switch env.Line.LineType {
	case "suricata":
		return suricata.ParseLine([]byte(env.Line.Data))
	case "argus":
		row, err := splitCSVLine(env.Line.Data)
		if err != nil {
			return nil, err
		}
		return binetflow.ParseRow(row, argusIndex)
	case "zeek":
		var mapping map[string]interface{}
		if err := json.Unmarshal([]byte(env.Line.Data), &mapping); err != nil {
			return nil, err
		}
		return zeek.RecordFromMapping(mapping, "conn")
	default:
		return nil, flow.ErrNoEndpoint
	}
}

func splitCSVLine(line string) ([]string, error) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	return cr.Read()
}
