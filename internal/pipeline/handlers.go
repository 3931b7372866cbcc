package pipeline

import (
	"context"

	"songetl/internal/extract"
	"songetl/internal/issue"
	"songetl/internal/loader"
	pjson "songetl/internal/parser/json"
	"songetl/internal/schema"
	"songetl/internal/storage"
)

// Handler turns the parsed records of one file into writes on tx.
//
// Handle returns an error only when the store connection is lost. Every
// other problem is reported through FileResult.Issues.
type Handler interface {
	// Kind names the source family, used for metrics and logs.
	Kind() string
	// Columns is the field order the records are parsed into.
	Columns() []string
	Handle(ctx context.Context, tx storage.Tx, rows []*pjson.Row) (FileResult, error)
}

type TableCounts struct {
	Written int
	Failed  int
}

// FileResult is what one file contributed.
type FileResult struct {
	Tables map[string]TableCounts
	Issues []issue.Issue

	Matched      int
	Missed       int
	LookupErrors int
}

func (r *FileResult) addLoad(table string, res loader.Result) {
	if r.Tables == nil {
		r.Tables = make(map[string]TableCounts)
	}
	c := r.Tables[table]
	c.Written += res.Written
	c.Failed += res.Failed
	r.Tables[table] = c
	r.Issues = append(r.Issues, res.Issues...)
}

// SongFileHandler loads the song and artist rows of a song file.
type SongFileHandler struct {
	Loader *loader.Loader
}

func (SongFileHandler) Kind() string      { return "song" }
func (SongFileHandler) Columns() []string { return extract.SongColumns }

func (h SongFileHandler) Handle(ctx context.Context, tx storage.Tx, rows []*pjson.Row) (FileResult, error) {
	var out FileResult
	ext := extract.SongFile(rows)
	out.Issues = append(out.Issues, ext.Issues...)

	if ext.Song != nil {
		res, err := h.Loader.Load(ctx, tx, schema.MustByName(schema.SongsTable),
			[]loader.Row{{Line: ext.SongLine, Values: ext.Song.Values()}})
		out.addLoad(schema.SongsTable, res)
		if err != nil {
			return out, err
		}
	}
	if ext.Artist != nil {
		res, err := h.Loader.Load(ctx, tx, schema.MustByName(schema.ArtistsTable),
			[]loader.Row{{Line: ext.ArtistLine, Values: ext.Artist.Values()}})
		out.addLoad(schema.ArtistsTable, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// LogFileHandler loads the time, user and songplay rows of a log file, in
// that order.
type LogFileHandler struct {
	Loader *loader.Loader
}

func (LogFileHandler) Kind() string      { return "log" }
func (LogFileHandler) Columns() []string { return extract.LogColumns }

func (h LogFileHandler) Handle(ctx context.Context, tx storage.Tx, rows []*pjson.Row) (FileResult, error) {
	var out FileResult
	ext := extract.LogFile(rows)
	out.Issues = append(out.Issues, ext.Issues...)

	res, err := h.Loader.Load(ctx, tx, schema.MustByName(schema.TimeTable), loader.RowsOf(ext.Times))
	out.addLoad(schema.TimeTable, res)
	if err != nil {
		return out, err
	}

	res, err = h.Loader.Load(ctx, tx, schema.MustByName(schema.UsersTable), loader.RowsOf(ext.Users))
	out.addLoad(schema.UsersTable, res)
	if err != nil {
		return out, err
	}

	plays, err := h.Loader.LoadPlays(ctx, tx, ext.Plays)
	out.addLoad(schema.SongPlaysTable, plays.Result)
	out.Matched += plays.Matched
	out.Missed += plays.Missed
	for _, iss := range plays.Issues {
		if iss.Kind == issue.Lookup {
			out.LookupErrors++
		}
	}
	return out, err
}
