package aggregator

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/lamim/evalforge/pkg/models"
)

// RowKey identifies one summary row. The split is not part of the key, so
// results for several splits of the same experiment share a row.
type RowKey struct {
	Dataset string `json:"dataset"`
	Task    string `json:"task"`
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
}

func rowKeyOf(id models.ExperimentID) RowKey {
	return RowKey{Dataset: id.Dataset, Task: id.Task, Prompt: id.Prompt, Model: id.Model}
}

// Row is one pivoted summary row
type Row struct {
	Key    RowKey
	Values map[string]any // metric -> overall result
}

// Summary is the pivoted table of results
type Summary struct {
	Metrics []string
	Rows    []Row
}

// Len returns the number of rows
func (s Summary) Len() int {
	return len(s.Rows)
}

// Lookup returns the row for a key
func (s Summary) Lookup(key RowKey) (Row, bool) {
	for _, row := range s.Rows {
		if row.Key == key {
			return row, true
		}
	}
	return Row{}, false
}

// Value returns the cell for an experiment and metric
func (s Summary) Value(id models.ExperimentID, metric string) (any, bool) {
	row, ok := s.Lookup(rowKeyOf(id))
	if !ok {
		return nil, false
	}
	v, ok := row.Values[metric]
	return v, ok
}

// WriteTable renders the summary as an aligned text table
func (s Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	header := "DATASET\tTASK\tPROMPT\tMODEL"
	for _, m := range s.Metrics {
		header += "\t" + m
	}
	if _, err := fmt.Fprintln(tw, header); err != nil {
		return err
	}

	for _, row := range s.Rows {
		line := fmt.Sprintf("%s\t%s\t%s\t%s", row.Key.Dataset, orDash(row.Key.Task), row.Key.Prompt, row.Key.Model)
		for _, m := range s.Metrics {
			v, ok := row.Values[m]
			if !ok {
				line += "\t-"
				continue
			}
			line += "\t" + FormatValue(v)
		}
		if _, err := fmt.Fprintln(tw, line); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteJSONL writes one JSON object per row. Missing cells are omitted.
func (s Summary) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, row := range s.Rows {
		record := map[string]any{
			"dataset": row.Key.Dataset,
			"task":    row.Key.Task,
			"prompt":  row.Key.Prompt,
			"model":   row.Key.Model,
		}
		metrics := make(map[string]any, len(row.Values))
		for _, m := range s.Metrics {
			if v, ok := row.Values[m]; ok {
				metrics[m] = v
			}
		}
		record["metrics"] = metrics
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("failed to encode summary row: %w", err)
		}
	}
	return nil
}

// FormatValue renders a cell value for display
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', 6, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', 6, 32)
	case int, int64, int32, bool:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
