package export

import (
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/civil"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	"github.com/rs/zerolog"
)

// sharedArrowAllocator is safe for concurrent use by every exporter
var sharedArrowAllocator = memory.NewGoAllocator()

// ArrowSchema maps an ELF schema to Arrow. Every column is nullable.
func ArrowSchema(schema *elf.Schema) *arrow.Schema {
	fields := make([]arrow.Field, 0, schema.Len())
	for _, entry := range schema.Entries() {
		fields = append(fields, arrow.Field{
			Name:     entry.Name,
			Type:     arrowType(entry.Parser.Type()),
			Nullable: true,
		})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t elf.Type) arrow.DataType {
	switch t {
	case elf.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case elf.TypeTime:
		return arrow.FixedWidthTypes.Time32s
	case elf.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case elf.TypeInt32:
		return arrow.PrimitiveTypes.Int32
	case elf.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func parquetCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

// ParquetExporter buffers records into Arrow builders and writes a row group
// every RowsPerGroup records
type ParquetExporter struct {
	sink         Sink
	compression  compress.Compression
	rowsPerGroup int
	logger       zerolog.Logger

	schema  *arrow.Schema
	builder *array.RecordBuilder
	writer  *pqarrow.FileWriter
	rows    int
	total   int
}

func NewParquet(sink Sink, cfg *config.ParquetConfig, logger zerolog.Logger) *ParquetExporter {
	rows := cfg.RowsPerGroup
	if rows <= 0 {
		rows = 100000
	}
	return &ParquetExporter{
		sink:         sink,
		compression:  parquetCompression(cfg.Compression),
		rowsPerGroup: rows,
		logger:       logger.With().Str("component", "parquet-exporter").Logger(),
	}
}

// hiddenCloser keeps the file writer from closing the sink; Close and Abort decide that
type hiddenCloser struct{ io.Writer }

func (e *ParquetExporter) Begin(schema *elf.Schema) error {
	e.schema = ArrowSchema(schema)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(e.compression),
		parquet.WithMaxRowGroupLength(int64(e.rowsPerGroup)),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(e.schema, hiddenCloser{e.sink}, writerProps, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	e.writer = writer
	e.builder = array.NewRecordBuilder(sharedArrowAllocator, e.schema)
	return nil
}

func (e *ParquetExporter) Write(record *elf.Record) error {
	for i := 0; i < record.Len(); i++ {
		if err := appendValue(e.builder.Field(i), record.Value(i)); err != nil {
			return fmt.Errorf("line %d column %s: %w", record.Line(), e.schema.Field(i).Name, err)
		}
	}
	e.rows++
	if e.rows >= e.rowsPerGroup {
		return e.flush()
	}
	return nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch tb := b.(type) {
	case *array.Date32Builder:
		d, ok := v.(civil.Date)
		if !ok {
			return fmt.Errorf("expected civil.Date, got %T", v)
		}
		tb.Append(arrow.Date32FromTime(d.In(time.UTC)))
	case *array.Time32Builder:
		t, ok := v.(civil.Time)
		if !ok {
			return fmt.Errorf("expected civil.Time, got %T", v)
		}
		tb.Append(arrow.Time32(t.Hour*3600 + t.Minute*60 + t.Second))
	case *array.Int64Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		tb.Append(n)
	case *array.Int32Builder:
		n, ok := v.(int32)
		if !ok {
			return fmt.Errorf("expected int32, got %T", v)
		}
		tb.Append(n)
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
		tb.Append(f)
	case *array.StringBuilder:
		tb.Append(elf.FormatValue(v))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

func (e *ParquetExporter) flush() error {
	if e.rows == 0 {
		return nil
	}
	rec := e.builder.NewRecord()
	defer rec.Release()

	if err := e.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	e.total += e.rows
	e.rows = 0
	return nil
}

func (e *ParquetExporter) Close() error {
	if e.writer == nil {
		return e.sink.Close()
	}
	defer e.builder.Release()

	if err := e.flush(); err != nil {
		e.writer.Close()
		e.sink.Abort(err)
		return err
	}
	if err := e.writer.Close(); err != nil {
		err = fmt.Errorf("failed to close Parquet writer: %w", err)
		e.sink.Abort(err)
		return err
	}

	e.logger.Debug().
		Int("columns", e.schema.NumFields()).
		Int("rows", e.total).
		Msg("Wrote Parquet file")

	return e.sink.Close()
}

func (e *ParquetExporter) Abort(cause error) error {
	if e.builder != nil {
		e.builder.Release()
		e.builder = nil
	}
	if e.writer != nil {
		e.writer.Close()
		e.writer = nil
	}
	return e.sink.Abort(cause)
}
