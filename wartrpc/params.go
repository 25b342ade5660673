// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const tagName = "wart"

// tagInfo holds parsed information from a `wart` struct tag.
type tagInfo struct {
	Name      string
	Default   *string // nil if no default
	ArrowType string  // explicit type override: "int32", "float32", "binary"
}

// parseTag parses a wart struct tag like "name", "name,default=foo", "name,int32".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if val, ok := strings.CutPrefix(part, "default="); ok {
			info.Default = &val
		} else {
			info.ArrowType = part
		}
	}
	return info
}

// taggedFields returns the indices and parsed tags of the fields of struct
// type t that carry a wart tag.
func taggedFields(t reflect.Type) ([]int, []tagInfo) {
	var idx []int
	var tags []tagInfo
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get(tagName)
		if tag == "" || tag == "-" {
			continue
		}
		idx = append(idx, i)
		tags = append(tags, parseTag(tag))
	}
	return idx, tags
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
// The tag provides additional type hints.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false

	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			// A nil []byte is sent as null.
			return arrow.BinaryTypes.Binary, true, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// structToSchema builds an Arrow schema from a Go struct type using wart tags.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	idx, tags := taggedFields(t)
	fields := make([]arrow.Field, 0, len(idx))
	for k, i := range idx {
		arrowType, nullable, err := goTypeToArrowType(t.Field(i).Type, tags[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", t.Field(i).Name, err)
		}
		fields = append(fields, arrow.Field{
			Name:     tags[k].Name,
			Type:     arrowType,
			Nullable: nullable,
		})
	}
	return arrow.NewSchema(fields, nil), nil
}

// resultSchema builds an Arrow schema for a return type.
func resultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	arrowType, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrowType, Nullable: nullable},
	}, nil), nil
}

// SchemaFor returns the Arrow schema of row type T, a struct with wart tags.
func SchemaFor[T any]() (*arrow.Schema, error) {
	return structToSchema(reflect.TypeFor[T]())
}

// MustSchema is like SchemaFor but panics on error. It is meant for
// package-level schema variables.
func MustSchema[T any]() *arrow.Schema {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(fmt.Sprintf("wartrpc: schema for %v: %v", reflect.TypeFor[T](), err))
	}
	return schema
}

// DecodeRows reads every row of batch into a T, matching columns to fields
// by tag name. Missing or null columns take the field's default, if any.
func DecodeRows[T any](batch arrow.RecordBatch) ([]T, error) {
	rows := make([]T, batch.NumRows())
	t := reflect.TypeFor[T]()
	for i := range rows {
		v, err := decodeRow(batch, i, t)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = v.Interface().(T)
	}
	return rows, nil
}

// EncodeRows builds a record batch with the given schema from rows. Schema
// fields are filled from the struct fields with the same tag name.
func EncodeRows[T any](schema *arrow.Schema, rows []T) (arrow.RecordBatch, error) {
	return encodeRows(schema, reflect.ValueOf(rows))
}

// deserializeParams reads row 0 from a record batch into a Go struct.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	return decodeRow(batch, 0, target)
}

func decodeRow(batch arrow.RecordBatch, row int, target reflect.Type) (_ reflect.Value, err error) {
	// A column whose Arrow type does not fit the field panics in reflect.
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("column does not match %v: %v", target, rv)
		}
	}()
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()

	idx, tags := taggedFields(target)
	for k, i := range idx {
		f := target.Field(i)
		info := tags[k]

		colIdx := -1
		for ci := range batch.NumCols() {
			if batch.ColumnName(int(ci)) == info.Name {
				colIdx = int(ci)
				break
			}
		}
		if colIdx == -1 || batch.Column(colIdx).IsNull(row) {
			if info.Default != nil {
				if err := setFieldFromString(result.Field(i), f.Type, *info.Default); err != nil {
					return reflect.Value{}, fmt.Errorf("default for %s: %w", info.Name, err)
				}
			}
			continue
		}

		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), row); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", info.Name, err)
		}
	}
	return result, nil
}

// setFieldFromArrow sets a struct field value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	isPtr := fieldType.Kind() == reflect.Ptr
	if isPtr {
		fieldType = fieldType.Elem()
	}

	switch c := col.(type) {
	case *array.String:
		setStringField(field, fieldType, isPtr, c.Value(idx))
	case *array.Int64:
		setIntField(field, fieldType, isPtr, c.Value(idx))
	case *array.Int32:
		setIntField(field, fieldType, isPtr, int64(c.Value(idx)))
	case *array.Float64:
		setFloatField(field, fieldType, isPtr, c.Value(idx))
	case *array.Float32:
		setFloatField(field, fieldType, isPtr, float64(c.Value(idx)))
	case *array.Boolean:
		setBoolField(field, fieldType, isPtr, c.Value(idx))
	case *array.Binary:
		// Copy out of the Arrow buffer, which is released with the batch.
		field.SetBytes(append([]byte(nil), c.Value(idx)...))
	case *array.List:
		return setListField(field, fieldType, isPtr, c, idx)
	case *array.Dictionary:
		// Dictionary-encoded strings from clients that send enums.
		dict, ok := c.Dictionary().(*array.String)
		if !ok {
			return fmt.Errorf("unsupported dictionary value type: %T", c.Dictionary())
		}
		setStringField(field, fieldType, isPtr, dict.Value(c.GetValueIndex(idx)))
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setStringField(field reflect.Value, fieldType reflect.Type, isPtr bool, val string) {
	if isPtr {
		ptr := reflect.New(fieldType)
		ptr.Elem().SetString(val)
		field.Set(ptr)
	} else {
		field.SetString(val)
	}
}

func setIntField(field reflect.Value, fieldType reflect.Type, isPtr bool, val int64) {
	if isPtr {
		ptr := reflect.New(fieldType)
		ptr.Elem().SetInt(val)
		field.Set(ptr)
	} else {
		field.SetInt(val)
	}
}

func setFloatField(field reflect.Value, fieldType reflect.Type, isPtr bool, val float64) {
	if isPtr {
		ptr := reflect.New(fieldType)
		ptr.Elem().SetFloat(val)
		field.Set(ptr)
	} else {
		field.SetFloat(val)
	}
}

func setBoolField(field reflect.Value, fieldType reflect.Type, isPtr bool, val bool) {
	if isPtr {
		ptr := reflect.New(fieldType)
		ptr.Elem().SetBool(val)
		field.Set(ptr)
	} else {
		field.SetBool(val)
	}
}

func setListField(field reflect.Value, fieldType reflect.Type, isPtr bool, listArr *array.List, idx int) error {
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(fieldType, length, length)
	for j := 0; j < length; j++ {
		if values.IsNull(int(start) + j) {
			continue
		}
		if err := setFieldFromArrow(slice.Index(j), fieldType.Elem(), values, int(start)+j); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}

	if isPtr {
		ptr := reflect.New(fieldType)
		ptr.Elem().Set(slice)
		field.Set(ptr)
	} else {
		field.Set(slice)
	}
	return nil
}

// setFieldFromString sets a struct field from a string default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		if err := setFieldFromString(ptr.Elem(), fieldType.Elem(), s); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float64, reflect.Float32:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}

// encodeRows builds a record batch from a slice of structs.
func encodeRows(schema *arrow.Schema, rows reflect.Value) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	elem := rows.Type().Elem()
	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	// Map schema fields to struct fields by tag name.
	idx, tags := taggedFields(elem)
	fieldFor := make([]int, schema.NumFields())
	for fi, f := range schema.Fields() {
		fieldFor[fi] = -1
		for k, i := range idx {
			if tags[k].Name == f.Name {
				fieldFor[fi] = i
				break
			}
		}
	}

	builders := make([]array.Builder, schema.NumFields())
	for fi, f := range schema.Fields() {
		builders[fi] = array.NewBuilder(mem, f.Type)
		defer builders[fi].Release()
	}

	for r := range rows.Len() {
		rv := reflect.Indirect(rows.Index(r))
		for fi, f := range schema.Fields() {
			if fieldFor[fi] < 0 {
				builders[fi].AppendNull()
				continue
			}
			fv := rv.Field(fieldFor[fi])
			if f.Nullable && fv.Kind() == reflect.Slice && fv.IsNil() {
				builders[fi].AppendNull()
				continue
			}
			if err := appendToBuilder(builders[fi], f.Type, fv.Interface()); err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", r, f.Name, err)
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecordBatch(schema, cols, int64(rows.Len())), nil
}

// serializeResult builds a 1-row record batch with a single "result" column.
func serializeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()

	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}

	field := schema.Field(0)
	b := array.NewBuilder(mem, field.Type)
	defer b.Release()
	if err := appendToBuilder(b, field.Type, value); err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	arr := b.NewArray()
	defer arr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// deserializeResult reads the "result" column of a unary response into a
// value of type t.
func deserializeResult(batch arrow.RecordBatch, t reflect.Type) (reflect.Value, error) {
	result := reflect.New(t).Elem()
	if batch.NumCols() == 0 || batch.NumRows() == 0 {
		return result, fmt.Errorf("empty result batch")
	}
	col := batch.Column(0)
	if col.IsNull(0) {
		return result, nil
	}
	if err := setFieldFromArrow(result, t, col, 0); err != nil {
		return reflect.Value{}, err
	}
	return result, nil
}

// appendToBuilder appends a single value to an Arrow array builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		value = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(rv.String())
	case arrow.INT64:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case arrow.INT32:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int32Builder).Append(int32(v))
	case arrow.FLOAT64:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case arrow.FLOAT32:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float32Builder).Append(float32(v))
	case arrow.BOOL:
		b.(*array.BooleanBuilder).Append(rv.Bool())
	case arrow.BINARY:
		b.(*array.BinaryBuilder).Append(rv.Bytes())
	case arrow.LIST:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder()
		for i := range rv.Len() {
			if err := appendToBuilder(vb, dt.(*arrow.ListType).Elem(), rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendToBuilder: %v", dt)
	}
	return nil
}

// Numeric conversion helpers

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
