package export

import (
	"bufio"
	"fmt"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackExporter writes a stream of msgpack maps, one per record, keys in field order.
// Dates and times are encoded as strings.
type MsgpackExporter struct {
	sink  Sink
	w     *bufio.Writer
	enc   *msgpack.Encoder
	names []string
}

func NewMsgpack(sink Sink) *MsgpackExporter {
	w := bufio.NewWriterSize(sink, 64*1024)
	return &MsgpackExporter{
		sink: sink,
		w:    w,
		enc:  msgpack.NewEncoder(w),
	}
}

func (e *MsgpackExporter) Begin(schema *elf.Schema) error {
	e.names = schema.Names()
	return nil
}

func (e *MsgpackExporter) Write(record *elf.Record) error {
	if err := EncodeMsgpackRecord(e.enc, e.names, record); err != nil {
		return fmt.Errorf("failed to encode line %d: %w", record.Line(), err)
	}
	return nil
}

func (e *MsgpackExporter) Close() error {
	if err := e.w.Flush(); err != nil {
		e.sink.Abort(err)
		return err
	}
	return e.sink.Close()
}

func (e *MsgpackExporter) Abort(cause error) error {
	return e.sink.Abort(cause)
}

// EncodeMsgpackRecord writes record as an ordered map
func EncodeMsgpackRecord(enc *msgpack.Encoder, names []string, record *elf.Record) error {
	if err := enc.EncodeMapLen(len(names)); err != nil {
		return err
	}
	for i, name := range names {
		if err := enc.EncodeString(name); err != nil {
			return err
		}
		if err := enc.Encode(plainValue(record.Value(i))); err != nil {
			return err
		}
	}
	return nil
}
