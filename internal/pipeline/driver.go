// Package pipeline runs the batch: it discovers source files, hands each one
// to a Handler inside its own transaction, and reports issues and progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"songetl/internal/issue"
	"songetl/internal/metrics"
	pjson "songetl/internal/parser/json"
	"songetl/internal/storage"
)

// Summary totals one Run.
type Summary struct {
	Files     int
	Processed int
	// Malformed counts files that could not be read or yielded no
	// decodable record. Undecodable lines of a loaded file are Issues.
	Malformed int
	Tables    map[string]TableCounts
	Issues    int
	Matched   int
	Missed    int
}

func (s *Summary) add(r FileResult) {
	if s.Tables == nil {
		s.Tables = make(map[string]TableCounts)
	}
	for table, c := range r.Tables {
		acc := s.Tables[table]
		acc.Written += c.Written
		acc.Failed += c.Failed
		s.Tables[table] = acc
	}
	s.Issues += len(r.Issues)
	s.Matched += r.Matched
	s.Missed += r.Missed
}

type Driver struct {
	store   storage.Store
	logger  *zap.Logger
	pattern string
	printer *message.Printer
}

// NewDriver returns a driver over store. pattern selects file base names;
// empty means "*.json".
func NewDriver(store storage.Store, logger *zap.Logger, pattern string) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pattern == "" {
		pattern = "*.json"
	}
	return &Driver{
		store:   store,
		logger:  logger,
		pattern: pattern,
		printer: message.NewPrinter(language.English),
	}
}

// Run processes every matching file under root with h, one transaction per
// file, in sorted path order.
//
// Per-record and per-file problems are logged and counted; Run keeps going.
// It stops and returns an error wrapping storage.ErrConnLost when the store
// becomes unusable, rolling back the file in progress. The Summary covers
// the files committed before that.
func (d *Driver) Run(ctx context.Context, root string, h Handler) (Summary, error) {
	log := d.logger.With(zap.String("source", h.Kind()), zap.String("root", root))
	files, err := Discover(root, d.pattern, func(path string, err error) {
		log.Warn("path skipped", zap.String("path", path), zap.Error(err))
	})
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Files: len(files)}
	if len(files) == 0 {
		log.Warn("no files found", zap.String("pattern", d.pattern))
		return sum, nil
	}
	log.Info("files found", zap.Int("files", len(files)))

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return sum, storage.ConnLost(err)
		}

		res, err := d.runFile(ctx, path, h)
		if err != nil {
			metrics.RecordFile(h.Kind(), "failed")
			log.Error("run stopped", zap.String("file", path), zap.Error(err))
			return sum, err
		}
		sum.Processed++
		if res.malformed {
			sum.Malformed++
		}
		sum.add(res.FileResult)
		d.report(path, h.Kind(), res)

		log.Info(d.printer.Sprintf("%d/%d files processed", i+1, len(files)), zap.String("file", path))
	}
	return sum, nil
}

type fileOutcome struct {
	FileResult
	malformed bool
}

func (d *Driver) runFile(ctx context.Context, path string, h Handler) (fileOutcome, error) {
	rows, skipped, err := readFile(ctx, path, h.Columns())
	if err != nil && ctx.Err() != nil {
		return fileOutcome{}, storage.ConnLost(ctx.Err())
	}
	var parseIssues []issue.Issue
	for _, pe := range skipped {
		parseIssues = append(parseIssues, issue.New(issue.Malformed, fileMarker, pe.Line, pe))
	}
	if err != nil || (len(rows) == 0 && len(skipped) > 0) {
		// The file is skipped but still counts as processed.
		if err != nil {
			line := 0
			var pe *pjson.ParseError
			if errors.As(err, &pe) {
				line = pe.Line
			}
			parseIssues = append(parseIssues, issue.New(issue.Malformed, fileMarker, line, err))
		}
		return fileOutcome{FileResult: FileResult{Issues: parseIssues}, malformed: true}, nil
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return fileOutcome{}, fmt.Errorf("begin %s: %w", path, err)
	}

	res, err := h.Handle(ctx, tx, rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fileOutcome{}, fmt.Errorf("handle %s: %w", path, err)
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		if !storage.IsConnLost(err) {
			err = storage.ConnLost(err)
		}
		return fileOutcome{}, fmt.Errorf("commit %s: %w", path, err)
	}
	res.Issues = append(parseIssues, res.Issues...)
	return fileOutcome{FileResult: res}, nil
}

// fileMarker stands in for the table on issues that belong to a whole record
// of the source file rather than to one table.
const fileMarker = "file"

func readFile(ctx context.Context, path string, columns []string) ([]*pjson.Row, []*pjson.ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return pjson.ReadAll(ctx, f, columns)
}

// report logs every issue of a committed file and records its metrics.
func (d *Driver) report(path, kind string, res fileOutcome) {
	for _, iss := range res.Issues {
		iss.File = path
		d.logger.Warn("record skipped",
			zap.String("file", iss.File),
			zap.String("table", iss.Table),
			zap.Int("line", iss.Line),
			zap.String("kind", string(iss.Kind)),
			zap.NamedError("cause", iss.Err),
		)
		metrics.RecordIssue(string(iss.Kind))
	}

	status := "ok"
	if res.malformed {
		status = "malformed"
	}
	metrics.RecordFile(kind, status)
	for table, c := range res.Tables {
		metrics.RecordRows(table, c.Written, c.Failed)
	}
	if res.Matched+res.Missed > 0 {
		metrics.RecordLookup(res.Matched, res.Missed-res.LookupErrors, res.LookupErrors)
	}
}

// Step runs fn as a named step, recording its duration and outcome.
func Step(logger *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(name, start, err)
	if logger != nil {
		logger.Info("step finished",
			zap.String("step", name),
			zap.Duration("took", time.Since(start)),
			zap.Bool("ok", err == nil),
		)
	}
	return err
}
