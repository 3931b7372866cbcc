// Package loader writes extracted rows through a storage.Tx, applying each
// table's conflict policy and isolating per-row failures.
package loader

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"songetl/internal/extract"
	"songetl/internal/issue"
	"songetl/internal/schema"
	"songetl/internal/storage"
)

// Row is one row to write, aligned with its table's columns.
type Row struct {
	Line   int
	Values []any
}

// RowsOf converts extracted rows into loader rows.
func RowsOf[T schema.Valuer](items []extract.Sourced[T]) []Row {
	out := make([]Row, len(items))
	for i, it := range items {
		out[i] = Row{Line: it.Line, Values: it.Row.Values()}
	}
	return out
}

type Result struct {
	Written int
	Failed  int
	Issues  []issue.Issue
}

func (r *Result) merge(o Result) {
	r.Written += o.Written
	r.Failed += o.Failed
	r.Issues = append(r.Issues, o.Issues...)
}

// PlayResult extends Result with lookup outcomes.
type PlayResult struct {
	Result
	Matched int
	Missed  int
}

type Loader struct {
	resolver *Resolver
}

func New(flavor sqlbuilder.Flavor) *Loader {
	return &Loader{resolver: NewResolver(flavor)}
}

// Load writes rows into spec's table in order.
//
// A row whose write fails becomes a row issue and the loop continues. The
// returned error is non-nil only when the store connection is lost; the
// partial Result is still returned with it.
func (l *Loader) Load(ctx context.Context, tx storage.Tx, spec storage.TableSpec, rows []Row) (Result, error) {
	var res Result
	for _, row := range rows {
		err := tx.Upsert(ctx, spec, row.Values)
		if err == nil {
			res.Written++
			continue
		}
		if storage.IsConnLost(err) {
			return res, fmt.Errorf("load %s line %d: %w", spec.Name, row.Line, err)
		}
		res.Failed++
		res.Issues = append(res.Issues, issue.New(issue.Row, spec.Name, row.Line, err))
	}
	return res, nil
}

// LoadPlays resolves the song and artist of every play and writes the
// songplay rows. A failed lookup is reported as a lookup issue and the play
// is written with NULL references.
func (l *Loader) LoadPlays(ctx context.Context, tx storage.Tx, plays []extract.PlayEvent) (PlayResult, error) {
	var res PlayResult

	rows := make([]Row, 0, len(plays))
	for _, p := range plays {
		ref, err := l.resolver.Resolve(ctx, tx, p.Title, p.Artist, p.Length)
		if err != nil {
			if storage.IsConnLost(err) {
				return res, fmt.Errorf("resolve song line %d: %w", p.Line, err)
			}
			res.Issues = append(res.Issues, issue.New(issue.Lookup, schema.SongPlaysTable, p.Line, err))
		}
		if ref.Found() {
			res.Matched++
		} else {
			res.Missed++
		}

		play := p.SongPlay
		play.SongID, play.ArtistID = ref.SongID, ref.ArtistID
		rows = append(rows, Row{Line: p.Line, Values: play.Values()})
	}

	written, err := l.Load(ctx, tx, schema.MustByName(schema.SongPlaysTable), rows)
	res.merge(written)
	return res, err
}
