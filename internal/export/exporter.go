// Package export writes parsed ELF records to files, databases and brokers.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/rs/zerolog"
)

// Exporter receives the records of one session.
// Begin is called once before the first Write. Close commits the output;
// Abort discards it when the session failed.
type Exporter interface {
	Begin(schema *elf.Schema) error
	Write(record *elf.Record) error
	Close() error
	Abort(cause error) error
}

// Drain writes every record of session to exp and commits it. exp is aborted
// when the session or the exporter fails.
func Drain(session *elf.Session, exp Exporter) error {
	if err := exp.Begin(session.Schema()); err != nil {
		exp.Abort(err)
		return err
	}
	for record, err := range session.All() {
		if err == nil {
			err = exp.Write(record)
		}
		if err != nil {
			exp.Abort(err)
			return err
		}
	}
	return exp.Close()
}

// Sink is a byte destination that can be committed or discarded
type Sink interface {
	io.Writer
	Close() error
	Abort(cause error) error
}

// WriterSink adapts w. Close and Abort leave w open.
func WriterSink(w io.Writer) Sink {
	return writerSink{w}
}

type writerSink struct{ io.Writer }

func (writerSink) Close() error        { return nil }
func (writerSink) Abort(_ error) error { return nil }

// storageSink streams into backend.WriteReader through a pipe.
// The object only becomes visible once Close returns without error.
type storageSink struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

// StorageSink starts an upload of path to backend
func StorageSink(ctx context.Context, backend storage.Backend, path string) Sink {
	pr, pw := io.Pipe()
	s := &storageSink{pw: pw, done: make(chan error, 1)}
	go func() {
		err := backend.WriteReader(ctx, path, pr, -1)
		pr.CloseWithError(err)
		s.done <- err
	}()
	return s
}

func (s *storageSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *storageSink) Close() error {
	s.once.Do(func() {
		s.pw.Close()
		s.err = <-s.done
	})
	return s.err
}

func (s *storageSink) Abort(cause error) error {
	if cause == nil {
		cause = fmt.Errorf("export aborted")
	}
	s.once.Do(func() {
		s.pw.CloseWithError(cause)
		<-s.done
		s.err = cause
	})
	return nil
}

// plainValue converts civil dates and times to their text form for encoders
// that do not use encoding.TextMarshaler
func plainValue(v any) any {
	switch tv := v.(type) {
	case civil.Date:
		return tv.String()
	case civil.Time:
		return tv.String()
	default:
		return v
	}
}

// Formats lists the exporter formats New accepts
var Formats = []string{"ndjson", "msgpack", "parquet", "sql", "mqtt"}

// Factory creates one Exporter per converted file. Connection pools and broker
// clients are shared by every exporter it creates.
type Factory struct {
	format  string
	cfg     *config.Config
	backend storage.Backend
	logger  zerolog.Logger

	db  *sql.DB
	pub Publisher
}

// NewFactory prepares exporters of cfg.Convert.Format. SQL and MQTT formats connect here.
func NewFactory(ctx context.Context, cfg *config.Config, backend storage.Backend, logger zerolog.Logger) (*Factory, error) {
	f := &Factory{
		format:  cfg.Convert.Format,
		cfg:     cfg,
		backend: backend,
		logger:  logger,
	}

	switch f.format {
	case "ndjson", "msgpack", "parquet":
		if backend == nil {
			return nil, fmt.Errorf("format %s needs a storage backend", f.format)
		}
	case "sql":
		db, err := OpenDB(ctx, &cfg.SQL)
		if err != nil {
			return nil, err
		}
		f.db = db
	case "mqtt":
		pub, err := ConnectMQTT(&cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		f.pub = pub
	default:
		return nil, fmt.Errorf("unsupported export format: %s", f.format)
	}

	return f, nil
}

// Format returns the configured export format
func (f *Factory) Format() string {
	return f.format
}

// Extension returns the file extension written by the format, empty when the
// format does not produce files
func (f *Factory) Extension() string {
	switch f.format {
	case "ndjson":
		return ".ndjson"
	case "msgpack":
		return ".msgpack"
	case "parquet":
		return ".parquet"
	default:
		return ""
	}
}

// New returns an exporter writing to outputPath. outputPath is ignored by the
// sql and mqtt formats.
func (f *Factory) New(ctx context.Context, outputPath string) (Exporter, error) {
	switch f.format {
	case "ndjson":
		return NewNDJSON(StorageSink(ctx, f.backend, outputPath), false), nil
	case "msgpack":
		return NewMsgpack(StorageSink(ctx, f.backend, outputPath)), nil
	case "parquet":
		return NewParquet(StorageSink(ctx, f.backend, outputPath), &f.cfg.Parquet, f.logger), nil
	case "sql":
		return NewSQL(ctx, f.db, &f.cfg.SQL, f.logger)
	case "mqtt":
		return NewMQTT(f.pub, f.cfg.MQTT.Topic, f.cfg.MQTT.QoS, false, false, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", f.format)
	}
}

// Close releases shared connections
func (f *Factory) Close() error {
	if f.pub != nil {
		f.pub.Disconnect()
	}
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}
