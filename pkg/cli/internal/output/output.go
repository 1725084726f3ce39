// Package output provides common output formatting utilities.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

// JSON writes indented JSON to w.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table creates an aligned table writer.
// Remember to call Flush() when done writing.
func Table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// Warn prints a warning message to w.
func Warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "Warning: "+format+"\n", args...)
}

var prettyOptions = ojg.Options{Indent: 2, Sort: true}

// Pretty indents s when it is JSON and returns it unchanged otherwise.
func Pretty(s string) string {
	v, err := oj.ParseString(s)
	if err != nil {
		return s
	}
	return oj.JSON(v, &prettyOptions)
}
