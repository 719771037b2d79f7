package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Decoder reads NDJSON events produced by a Writer.
type Decoder struct {
	scanner *bufio.Scanner
	skipped int
}

// NewDecoder creates a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// envelope is used for initial type discrimination.
type envelope struct {
	Type EventType `json:"type"`
}

// Next returns the next event, or io.EOF when the stream ends. Lines that do
// not parse or carry an unknown type are skipped and counted.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			d.skipped++
			continue
		}

		ev, err := parseTyped(env.Type, line)
		if err != nil || ev == nil {
			d.skipped++
			continue
		}
		return ev, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, io.EOF
}

// Skipped returns the number of lines ignored so far.
func (d *Decoder) Skipped() int { return d.skipped }

func parseTyped(typ EventType, data []byte) (Event, error) {
	switch typ {
	case TypeDelta:
		var ev DeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeLogprobs:
		var ev LogprobsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeDone:
		var ev DoneEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, nil
	}
}
