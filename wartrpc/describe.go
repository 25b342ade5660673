// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// describeRow is one row of the __describe__ response.
type describeRow struct {
	Name              string  `wart:"name"`
	MethodType        string  `wart:"method_type"`
	Doc               *string `wart:"doc"`
	HasReturn         bool    `wart:"has_return"`
	ParamsSchemaIPC   []byte  `wart:"params_schema_ipc"`
	ResultSchemaIPC   []byte  `wart:"result_schema_ipc"`
	InputSchemaIPC    []byte  `wart:"input_schema_ipc"`
	ParamTypesJSON    *string `wart:"param_types_json"`
	ParamDefaultsJSON *string `wart:"param_defaults_json"`
}

var describeSchema = MustSchema[describeRow]()

// Describe metadata keys.
const (
	MetaProtocolName    = "wart_rpc.protocol_name"
	MetaDescribeVersion = "wart_rpc.describe_version"
	DescribeVersion     = "1"
)

// MethodDescription is the client-side view of one described method.
type MethodDescription struct {
	Name          string
	Type          string // "unary", "sink" or "exchange"
	Doc           string
	HasReturn     bool
	ParamsSchema  *arrow.Schema
	ResultSchema  *arrow.Schema // output schema for streams
	InputSchema   *arrow.Schema // nil for unary methods
	ParamTypes    map[string]string
	ParamDefaults map[string]any
}

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// deserializeSchema reads a schema written by serializeSchema.
func deserializeSchema(data []byte) (*arrow.Schema, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}

// buildDescribeBatch builds the __describe__ response batch and metadata.
func (s *Server) buildDescribeBatch() (arrow.RecordBatch, arrow.Metadata) {
	names := s.availableMethods()
	rows := make([]describeRow, 0, len(names))

	for _, name := range names {
		info := s.methods[name]
		row := describeRow{
			Name:            name,
			MethodType:      info.Type.String(),
			HasReturn:       info.Type == MethodUnary && info.ResultType != nil,
			ParamsSchemaIPC: serializeSchema(info.ParamsSchema),
		}
		if info.Doc != "" {
			doc := info.Doc
			row.Doc = &doc
		}
		if info.OutputSchema != nil {
			row.ResultSchemaIPC = serializeSchema(info.OutputSchema)
			row.InputSchemaIPC = serializeSchema(info.InputSchema)
		} else {
			row.ResultSchemaIPC = serializeSchema(info.ResultSchema)
		}

		if info.ParamsSchema.NumFields() > 0 {
			paramTypes := make(map[string]string)
			for i := range info.ParamsSchema.NumFields() {
				f := info.ParamsSchema.Field(i)
				paramTypes[f.Name] = arrowTypeToString(f.Type)
			}
			if ptJSON, err := json.Marshal(paramTypes); err != nil {
				slog.Warn("failed to marshal param types", "method", name, "err", err)
			} else {
				v := string(ptJSON)
				row.ParamTypesJSON = &v
			}
		}

		// param_defaults_json values are native JSON types, not all strings
		if len(info.ParamDefaults) > 0 {
			typed := make(map[string]any, len(info.ParamDefaults))
			for k, v := range info.ParamDefaults {
				typed[k] = coerceDefaultValue(v, info.ParamsSchema, k)
			}
			if pdJSON, err := json.Marshal(typed); err != nil {
				slog.Warn("failed to marshal param defaults", "method", name, "err", err)
			} else {
				v := string(pdJSON)
				row.ParamDefaultsJSON = &v
			}
		}
		rows = append(rows, row)
	}

	batch, err := EncodeRows(describeSchema, rows)
	if err != nil {
		// Every column is a plain scalar, so encoding cannot fail.
		panic(fmt.Sprintf("wartrpc: encoding describe batch: %v", err))
	}

	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{"wart-worker", ProtocolVersion, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}
	return batch, arrow.NewMetadata(keys, vals)
}

// parseDescribeBatch decodes a __describe__ response.
func parseDescribeBatch(batch arrow.RecordBatch) ([]MethodDescription, error) {
	rows, err := DecodeRows[describeRow](batch)
	if err != nil {
		return nil, fmt.Errorf("decoding describe batch: %w", err)
	}
	out := make([]MethodDescription, 0, len(rows))
	for _, row := range rows {
		desc := MethodDescription{
			Name:      row.Name,
			Type:      row.MethodType,
			HasReturn: row.HasReturn,
		}
		if row.Doc != nil {
			desc.Doc = *row.Doc
		}
		if desc.ParamsSchema, err = deserializeSchema(row.ParamsSchemaIPC); err != nil {
			return nil, fmt.Errorf("method %s params: %w", row.Name, err)
		}
		if desc.ResultSchema, err = deserializeSchema(row.ResultSchemaIPC); err != nil {
			return nil, fmt.Errorf("method %s result: %w", row.Name, err)
		}
		if desc.InputSchema, err = deserializeSchema(row.InputSchemaIPC); err != nil {
			return nil, fmt.Errorf("method %s input: %w", row.Name, err)
		}
		if row.ParamTypesJSON != nil {
			if err := json.Unmarshal([]byte(*row.ParamTypesJSON), &desc.ParamTypes); err != nil {
				return nil, fmt.Errorf("method %s param types: %w", row.Name, err)
			}
		}
		if row.ParamDefaultsJSON != nil {
			if err := json.Unmarshal([]byte(*row.ParamDefaultsJSON), &desc.ParamDefaults); err != nil {
				return nil, fmt.Errorf("method %s param defaults: %w", row.Name, err)
			}
		}
		out = append(out, desc)
	}
	return out, nil
}

// coerceDefaultValue converts a string default to its proper JSON type
// based on the Arrow schema field type.
func coerceDefaultValue(val string, schema *arrow.Schema, fieldName string) any {
	indices := schema.FieldIndices(fieldName)
	if len(indices) == 0 {
		return val
	}
	f := schema.Field(indices[0])
	switch f.Type.ID() {
	case arrow.INT64, arrow.INT32:
		if v, err := strconv.ParseInt(val, 10, 64); err == nil {
			return v
		}
	case arrow.FLOAT64, arrow.FLOAT32:
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			return v
		}
	case arrow.BOOL:
		if v, err := strconv.ParseBool(val); err == nil {
			return v
		}
	}
	return val
}

// arrowTypeToString returns a human-readable type name for an Arrow type.
func arrowTypeToString(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.INT64:
		return "int"
	case arrow.INT32:
		return "int32"
	case arrow.FLOAT64:
		return "float"
	case arrow.FLOAT32:
		return "float32"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	case arrow.LIST:
		lt := dt.(*arrow.ListType)
		return "list[" + arrowTypeToString(lt.Elem()) + "]"
	default:
		return dt.String()
	}
}
