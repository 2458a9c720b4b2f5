package connector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// ColumnValues collects one value per row for column. Columns starting with
// "$" are JSONPath expressions evaluated against the row; a list result
// contributes every element.
func ColumnValues(rows []Row, column string) []string {
	var out []string
	if !strings.HasPrefix(column, "$") {
		for _, r := range rows {
			out = append(out, stringify(r.Values[column]))
		}
		return out
	}

	pattern, err := jsonpath.Compile(column)
	if err != nil {
		return make([]string, len(rows))
	}
	for _, r := range rows {
		v, err := pattern.Lookup(map[string]interface{}(r.Values))
		if err != nil {
			out = append(out, "")
			continue
		}
		if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				out = append(out, stringify(item))
			}
			continue
		}
		out = append(out, stringify(v))
	}
	return out
}

// ColumnValuesFor renders row's values for cols, in order.
func ColumnValuesFor(row Row, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = stringify(row.Values[c])
	}
	return out
}

// Columns returns the union of row keys in stable order.
func Columns(rows []Row) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for k := range r.Values {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
