package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/input"
	"github.com/basekick-labs/elf/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerFieldParsers = "x-elf-field-parsers"
	headerDelimiter    = "x-elf-delimiter"
	headerRequestID    = "X-Request-ID"
)

// ParseHandler parses ELF documents posted to the service
type ParseHandler struct {
	parser         config.ParserConfig
	maxPayloadSize int64
	logger         zerolog.Logger
}

// NewParseHandler creates a handler whose sessions start from the [parser] settings.
// Request headers add to or replace them.
func NewParseHandler(parser config.ParserConfig, maxPayloadSize int64, logger zerolog.Logger) *ParseHandler {
	return &ParseHandler{
		parser:         parser,
		maxPayloadSize: maxPayloadSize,
		logger:         logger.With().Str("component", "parse-handler").Logger(),
	}
}

// RegisterRoutes registers the parse endpoints
func (h *ParseHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/parse", h.parse)
	app.Get("/api/v1/parsers", h.parsers)
}

func (h *ParseHandler) parse(c *fiber.Ctx) error {
	requestID := uuid.New().String()
	c.Set(headerRequestID, requestID)
	start := time.Now()

	payload := c.Request().Body()
	if len(payload) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"request_id": requestID,
			"error":      "Empty payload",
		})
	}

	data, compression, err := input.DecompressBytes(payload, h.maxPayloadSize)
	if err != nil {
		if errors.Is(err, input.ErrTooLarge) {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"request_id": requestID,
				"error":      fmt.Sprintf("Decompressed payload exceeds %d bytes", h.maxPayloadSize),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"request_id": requestID,
			"error":      fmt.Sprintf("Invalid %s compression: %v", compression, err),
		})
	}

	format := c.Query("format", "json")
	switch format {
	case "json", "ndjson", "msgpack":
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"request_id": requestID,
			"error":      fmt.Sprintf("Unsupported format %q (supported: json, ndjson, msgpack)", format),
		})
	}

	opts, err := h.options(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"request_id": requestID,
			"error":      err.Error(),
		})
	}

	m := metrics.Get()
	m.IncParseSessions()
	m.IncParseBytes(int64(len(payload)))

	session, err := elf.OpenReader(bytes.NewReader(data), opts...)
	if err != nil {
		m.IncParseError(err)
		return parseErrorResponse(c, requestID, err)
	}
	defer session.Close()

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "json":
		body, err = h.renderJSON(session, requestID)
		contentType = fiber.MIMEApplicationJSON
	case "ndjson":
		var buf bytes.Buffer
		err = export.Drain(session, export.NewNDJSON(export.WriterSink(&buf), c.QueryBool("types")))
		body, contentType = buf.Bytes(), "application/x-ndjson"
	case "msgpack":
		var buf bytes.Buffer
		err = export.Drain(session, export.NewMsgpack(export.WriterSink(&buf)))
		body, contentType = buf.Bytes(), "application/msgpack"
	}

	m.IncParseLines(int64(session.LinesRead()))
	m.IncParseRecords(int64(session.RecordsRead()))

	if err != nil {
		m.IncParseError(err)
		return parseErrorResponse(c, requestID, err)
	}

	h.logger.Debug().
		Str("request_id", requestID).
		Str("format", format).
		Str("compression", compression.String()).
		Int("records", session.RecordsRead()).
		Dur("duration", time.Since(start)).
		Msg("Parsed document")

	c.Set(fiber.HeaderContentType, contentType)
	return c.Send(body)
}

// options merges configured parser settings with the request headers
func (h *ParseHandler) options(c *fiber.Ctx) ([]elf.Option, error) {
	fields := h.parser.Fields
	if v := c.Get(headerFieldParsers); v != "" {
		fields = append(append([]string(nil), fields...), v)
	}
	delimiter := h.parser.Delimiter
	if v := c.Get(headerDelimiter); v != "" {
		delimiter = v
	}

	opts, err := config.ParserOptions(fields, delimiter)
	if err != nil {
		return nil, err
	}
	return append(opts, elf.WithLogger(h.logger)), nil
}

type parseResponse struct {
	RequestID  string            `json:"request_id"`
	Count      int               `json:"count"`
	FieldTypes *elf.FieldTypes   `json:"field_types"`
	Records    []json.RawMessage `json:"records"`
}

func (h *ParseHandler) renderJSON(session *elf.Session, requestID string) ([]byte, error) {
	records := make([]json.RawMessage, 0, 64)
	for record, err := range session.All() {
		if err != nil {
			return nil, err
		}
		data, err := record.MarshalDataJSON()
		if err != nil {
			return nil, err
		}
		records = append(records, data)
	}
	return json.Marshal(parseResponse{
		RequestID:  requestID,
		Count:      len(records),
		FieldTypes: session.FieldTypes(),
		Records:    records,
	})
}

// parseErrorResponse maps parse failures to 422 responses carrying the error kind
func parseErrorResponse(c *fiber.Ctx, requestID string, err error) error {
	var (
		schemaErr *elf.SchemaError
		shapeErr  *elf.LineShapeError
		convErr   *elf.FieldConversionError
		srcErr    *elf.SourceError
	)
	body := fiber.Map{
		"request_id": requestID,
		"error":      err.Error(),
	}

	switch {
	case errors.As(err, &schemaErr):
		body["kind"] = "schema"
		body["lines_read"] = schemaErr.LinesRead
		if len(schemaErr.Duplicates) > 0 {
			body["duplicates"] = schemaErr.Duplicates
		}
	case errors.As(err, &shapeErr):
		body["kind"] = "line_shape"
		body["line"] = shapeErr.Line
		body["field_index"] = shapeErr.FieldIndex
	case errors.As(err, &convErr):
		body["kind"] = "conversion"
		body["line"] = convErr.Line
		body["field_index"] = convErr.FieldIndex
		body["field"] = convErr.Field
		body["input"] = convErr.Input
		body["type"] = convErr.Type.String()
	case errors.As(err, &srcErr):
		body["kind"] = "source"
		body["line"] = srcErr.Line
		return c.Status(fiber.StatusBadRequest).JSON(body)
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(body)
	}
	return c.Status(fiber.StatusUnprocessableEntity).JSON(body)
}

type parserInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// parsers lists the built-in field parsers and the default field bindings
func (h *ParseHandler) parsers(c *fiber.Ctx) error {
	names := elf.ParserNames()
	list := make([]parserInfo, 0, len(names))
	for _, name := range names {
		p, _ := elf.ParserByName(name)
		list = append(list, parserInfo{Name: name, Type: p.Type().String()})
	}

	defaults := make(map[string]string)
	for field, p := range elf.DefaultFieldParsers() {
		defaults[field] = p.Name()
	}

	return c.JSON(fiber.Map{
		"parsers":    list,
		"defaults":   defaults,
		"configured": h.parser.Fields,
		"null_value": elf.NullValue,
	})
}
