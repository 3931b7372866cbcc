package json

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Row is one decoded record. V is aligned with the columns requested from
// StreamJSONRows; a missing key and a JSON null both yield nil. Numbers are
// json.Number.
type Row struct {
	// Line is the 1-based source line on which the record ends. For
	// line-delimited input that is the record's own line.
	Line int
	V    []any
}

// StreamJSONRows parses JSON from r and streams records as *Row into out.
//
// Streaming behavior:
//   - Line-delimited objects (JSONL) are decoded one by one.
//   - If the root is a JSON array, it streams each object element one by one,
//     then any trailing JSONL objects.
//   - null records are skipped.
//
// onParseErr, when set, receives the line of the first undecodable record
// before StreamJSONRows returns the error.
func StreamJSONRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	out chan<- *Row,
	onParseErr func(line int, err error),
) error {
	lc := &lineCounter{r: r}
	var onErr func(int64, error)
	if onParseErr != nil {
		onErr = func(off int64, err error) { onParseErr(lc.nextLine(off), err) }
	}
	return streamRows(ctx, lc, columns, out, onErr)
}

// streamRows does the work of StreamJSONRows. onErr receives a decoder
// offset no later than the failure and past every record already emitted.
func streamRows(
	ctx context.Context,
	lc *lineCounter,
	columns []string,
	out chan<- *Row,
	onErr func(off int64, err error),
) error {
	dec := json.NewDecoder(lc)
	dec.UseNumber() // keeps integers such as epoch milliseconds exact.

	emitObject := func(obj map[string]any) error {
		row := &Row{
			Line: lc.lineAt(dec.InputOffset()),
			V:    recordToRow(obj, columns),
		}
		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reportErr := func(off int64, err error) {
		if onErr != nil {
			onErr(off, err)
		}
	}

	// Peek the first token so arrays can be streamed without buffering.
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		reportErr(dec.InputOffset(), err)
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch d := tok.(type) {
	case json.Delim:
		switch d {
		case '[':
			if err := streamArrayOfObjects(ctx, dec, emitObject, reportErr); err != nil {
				return err
			}
			if end, err := dec.Token(); err != nil {
				reportErr(dec.InputOffset(), err)
				return fmt.Errorf("json: read array end: %w", err)
			} else if end != json.Delim(']') {
				return fmt.Errorf("json: expected array end ']', got %v", end)
			}

		case '{':
			obj, err := materializeObject(dec)
			if err != nil {
				reportErr(dec.InputOffset(), err)
				return err
			}
			if err := emitObject(obj); err != nil {
				return err
			}

		default:
			err := fmt.Errorf("json: unsupported root delimiter %q", d)
			reportErr(0, err)
			return err
		}

	case nil:
		// A leading null record carries nothing.

	default:
		err := fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
		// The scalar itself is the bad record.
		reportErr(0, err)
		return err
	}

	return streamTrailingObjects(ctx, dec, emitObject, reportErr)
}

// ParseError is a decode failure located at a source line.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ReadAll collects every row of r. It is the batch form of StreamJSONRows.
//
// For line-delimited input an undecodable record does not end the read: it
// is returned in skipped and decoding resumes at the next line that opens
// an object. A malformed array root cannot be resumed; its failure is
// returned as err, a *ParseError, along with the rows read before it.
func ReadAll(ctx context.Context, r io.Reader, columns []string) (rows []*Row, skipped []*ParseError, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("json: read: %w", err)
	}

	if first := skipSpace(data, 0); first < len(data) && data[first] == '[' {
		got, errOff, err := collect(ctx, data, columns)
		if err != nil && errOff >= 0 {
			bad := failedAt(data, int(errOff))
			if bad < len(data) && data[bad] == ',' {
				bad = failedAt(data, bad+1)
			}
			return got, nil, &ParseError{Line: lineOf(data, bad), Err: err}
		}
		return got, nil, err
	}

	pos := 0
	for pos < len(data) {
		got, errOff, err := collect(ctx, data[pos:], columns)
		base := bytes.Count(data[:pos], newline)
		for _, row := range got {
			row.Line += base
		}
		rows = append(rows, got...)
		if err == nil {
			break
		}
		if errOff < 0 {
			return rows, skipped, err
		}
		bad := failedAt(data, pos+int(errOff))
		skipped = append(skipped, &ParseError{Line: lineOf(data, bad), Err: err})
		pos = nextObjectLine(data, bad)
	}
	return rows, skipped, nil
}

// collect drains streamRows over data. errOff is -1 unless the stream ended
// on a decode failure.
func collect(ctx context.Context, data []byte, columns []string) ([]*Row, int64, error) {
	out := make(chan *Row, 64)
	errc := make(chan error, 1)
	errOff := int64(-1)

	go func() {
		lc := &lineCounter{r: bytes.NewReader(data)}
		errc <- streamRows(ctx, lc, columns, out, func(off int64, _ error) { errOff = off })
		close(out)
	}()

	var rows []*Row
	for row := range out {
		rows = append(rows, row)
	}
	err := <-errc
	return rows, errOff, err
}

var newline = []byte{'\n'}

func skipSpace(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}

// failedAt returns the index of the first byte of the record that failed to
// decode after offset off. A record cut short by the end of input is placed
// on its last byte.
func failedAt(data []byte, off int) int {
	if i := skipSpace(data, off); i < len(data) {
		return i
	}
	for off > 0 && off <= len(data) {
		off--
		switch data[off] {
		case ' ', '\t', '\r', '\n':
		default:
			return off
		}
	}
	return 0
}

// lineOf returns the 1-based line holding data[i].
func lineOf(data []byte, i int) int {
	if i > len(data) {
		i = len(data)
	}
	return 1 + bytes.Count(data[:i], newline)
}

// nextObjectLine returns the start of the first line after the one holding
// data[i] whose first non-blank byte opens an object, or len(data).
func nextObjectLine(data []byte, i int) int {
	for {
		nl := bytes.IndexByte(data[i:], '\n')
		if nl < 0 {
			return len(data)
		}
		i += nl + 1
		j := i
		for j < len(data) && (data[j] == ' ' || data[j] == '\t') {
			j++
		}
		if j < len(data) && data[j] == '{' {
			return i
		}
	}
}

func streamTrailingObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(map[string]any) error,
	reportErr func(off int64, err error),
) error {
	for {
		start := dec.InputOffset()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			reportErr(start, err)
			return fmt.Errorf("json: decode object: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("json: record not an object (got %T)", raw)
			reportErr(start, err)
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// streamArrayOfObjects streams elements of the current array (after '[' has been consumed).
// It expects each element to be an object. nil elements are skipped.
func streamArrayOfObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(map[string]any) error,
	reportErr func(off int64, err error),
) error {
	for dec.More() {
		start := dec.InputOffset()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			reportErr(start, err)
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("json: array element not an object (got %T)", raw)
			reportErr(start, err)
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// materializeObject reads the rest of an object whose '{' was already consumed.
func materializeObject(dec *json.Decoder) (map[string]any, error) {
	v, err := materializeValueFromFirstToken(dec, json.Delim('{'))
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// materializeValueFromFirstToken builds a Go value for the current JSON value,
// given the first token has already been read.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: object key not string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read object value token: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		end, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read object end: %w", err)
		}
		if end != json.Delim('}') {
			return nil, fmt.Errorf("json: expected '}', got %v", end)
		}
		return m, nil

	case '[':
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read array value token: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		end, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read array end: %w", err)
		}
		if end != json.Delim(']') {
			return nil, fmt.Errorf("json: expected ']', got %v", end)
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

// recordToRow maps a JSON object into a []any aligned with columns.
func recordToRow(obj map[string]any, columns []string) []any {
	row := make([]any, len(columns))
	for i, col := range columns {
		row[i] = obj[col]
	}
	return row
}

// lineCounter remembers the byte offset of every newline read through it so
// decoder offsets can be mapped back to line numbers.
type lineCounter struct {
	r        io.Reader
	read     int64
	newlines []int64
}

func (l *lineCounter) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == '\n' {
			l.newlines = append(l.newlines, l.read+int64(i))
		}
	}
	l.read += int64(n)
	return n, err
}

// lineAt returns the 1-based line holding the byte just before offset.
func (l *lineCounter) lineAt(offset int64) int {
	// Newlines strictly before the last consumed byte.
	return 1 + sort.Search(len(l.newlines), func(i int) bool { return l.newlines[i] >= offset-1 })
}

// nextLine is the line after the last complete value, where a decode error
// most likely sits.
func (l *lineCounter) nextLine(offset int64) int {
	if offset == 0 {
		return 1
	}
	return l.lineAt(offset) + 1
}
