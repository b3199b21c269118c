package dal

import (
	"context"
	"database/sql/driver"
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"time"

	"gorm.io/gorm/schema"
)

// trailingColumns 导出时排在最后的审计列
var trailingColumns = []string{"created_at", "updated_at", "deleted_at", "created_by", "updated_by", "deleted_by"}

// exportFields id 在前，业务列居中，审计列在后；不序列化的列不导出
func (e *Engine[T]) exportFields() []*schema.Field {
	var head, middle, tail []*schema.Field
	for _, name := range e.schema.DBNames {
		f := e.schema.FieldsByDBName[name]
		if f == nil || f.Tag.Get("json") == "-" || envelopeColumns[name] {
			continue
		}
		middle = append(middle, f)
	}
	if f := e.schema.FieldsByDBName["id"]; f != nil {
		head = append(head, f)
	}
	for _, name := range trailingColumns {
		if f := e.schema.FieldsByDBName[name]; f != nil {
			tail = append(tail, f)
		}
	}
	out := append(head, middle...)
	return append(out, tail...)
}

// Columns 导出列名
func (c *Controller[T]) Columns() []string {
	fields := c.engine.exportFields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.DBName
	}
	return cols
}

// WriteCSV 将过滤后的全部记录写为 CSV
func (c *Controller[T]) WriteCSV(ctx context.Context, params *ListParams, w io.Writer) error {
	items, err := c.engine.All(ctx, params)
	if err != nil {
		return err
	}
	fields := c.engine.exportFields()

	cw := csv.NewWriter(w)
	if err := cw.Write(c.Columns()); err != nil {
		return err
	}
	for i := range items {
		if err := cw.Write(row(ctx, fields, &items[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Table 分页后的字符串表格，供后台页面渲染
func (c *Controller[T]) Table(ctx context.Context, params *ListParams) (*Table, error) {
	page, err := c.engine.List(ctx, params)
	if err != nil {
		return nil, err
	}
	fields := c.engine.exportFields()
	t := &Table{
		Columns: c.Columns(),
		Rows:    make([][]string, len(page.Items)),
		Total:   page.Total,
		Page:    page.Page,
		Size:    page.Size,
		Pages:   page.Pages,
	}
	for i := range page.Items {
		t.Rows[i] = row(ctx, fields, &page.Items[i])
	}
	return t, nil
}

func row(ctx context.Context, fields []*schema.Field, item any) []string {
	rv := reflect.ValueOf(item).Elem()
	out := make([]string, len(fields))
	for i, f := range fields {
		v, zero := f.ValueOf(ctx, rv)
		if zero && f.DataType != schema.Bool && f.DataType != schema.Int && f.DataType != schema.Uint && f.DataType != schema.Float {
			continue
		}
		out[i] = format(v)
	}
	return out
}

// format 单元格格式化，空指针与无效时间为空串
func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil || dv == nil {
			return ""
		}
		return format(dv)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		return format(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}
