package export

import (
	"bufio"
	"fmt"

	"github.com/basekick-labs/elf/internal/elf"
)

// NDJSONExporter writes one JSON object per record, keys in field order
type NDJSONExporter struct {
	sink      Sink
	w         *bufio.Writer
	withTypes bool
}

// NewNDJSON writes to sink. With withTypes set every line is
// {"fieldTypes": {...}, "fieldData": {...}}; otherwise only the field data.
func NewNDJSON(sink Sink, withTypes bool) *NDJSONExporter {
	return &NDJSONExporter{
		sink:      sink,
		w:         bufio.NewWriterSize(sink, 64*1024),
		withTypes: withTypes,
	}
}

func (e *NDJSONExporter) Begin(_ *elf.Schema) error {
	return nil
}

func (e *NDJSONExporter) Write(record *elf.Record) error {
	var (
		line []byte
		err  error
	)
	if e.withTypes {
		line, err = record.MarshalJSON()
	} else {
		line, err = record.MarshalDataJSON()
	}
	if err != nil {
		return fmt.Errorf("failed to encode line %d: %w", record.Line(), err)
	}
	if _, err := e.w.Write(line); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *NDJSONExporter) Close() error {
	if err := e.w.Flush(); err != nil {
		e.sink.Abort(err)
		return err
	}
	return e.sink.Close()
}

func (e *NDJSONExporter) Abort(cause error) error {
	return e.sink.Abort(cause)
}
