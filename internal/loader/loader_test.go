package loader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/huandu/go-sqlbuilder"

	"songetl/internal/extract"
	"songetl/internal/issue"
	pjson "songetl/internal/parser/json"
	"songetl/internal/schema"
	"songetl/internal/storage"
	_ "songetl/internal/storage/sqlite"
)

// fakeTx fails Upsert for the configured lines and records what it wrote.
type fakeTx struct {
	failLine map[any]error
	written  [][]any
	queryErr error
	queries  int
}

func (f *fakeTx) Upsert(ctx context.Context, spec storage.TableSpec, row []any) error {
	if err, ok := f.failLine[row[0]]; ok {
		return err
	}
	f.written = append(f.written, row)
	return nil
}

func (f *fakeTx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	f.queries++
	if f.queryErr != nil {
		return f.queryErr
	}
	return storage.ErrNoRows
}

func (f *fakeTx) Commit(ctx context.Context) error   { return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }

func openStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "songs.db")})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureTables(ctx, schema.Tables()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return s
}

// inTx runs fn in a transaction and commits it.
func inTx(t *testing.T, s storage.Store, fn func(tx storage.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fn(tx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func count(t *testing.T, s storage.Store, table string) int64 {
	t.Helper()
	var n int64
	inTx(t, s, func(tx storage.Tx) {
		if err := tx.QueryRow(context.Background(), `SELECT COUNT(*) FROM "`+table+`"`, nil, &n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
	})
	return n
}

func parseLog(t *testing.T, input string) extract.LogResult {
	t.Helper()
	rows, skipped, err := pjson.ReadAll(context.Background(), strings.NewReader(input), extract.LogColumns)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("ReadAll: skipped=%v err=%v", skipped, err)
	}
	return extract.LogFile(rows)
}

func loadSong(t *testing.T, s storage.Store, l *Loader, song schema.Song, artist schema.Artist) {
	t.Helper()
	ctx := context.Background()
	inTx(t, s, func(tx storage.Tx) {
		for _, step := range []struct {
			table string
			row   schema.Valuer
		}{{schema.SongsTable, song}, {schema.ArtistsTable, artist}} {
			res, err := l.Load(ctx, tx, schema.MustByName(step.table), []Row{{Line: 1, Values: step.row.Values()}})
			if err != nil || res.Failed != 0 {
				t.Fatalf("Load %s: res=%+v err=%v", step.table, res, err)
			}
		}
	})
}

func TestLoad_SongFileTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	l := New(s.Flavor())

	song := schema.Song{SongID: "S1", Title: "T", ArtistID: "A1", Year: 2000, Duration: 180.5}
	artist := schema.Artist{ArtistID: "A1", Name: "N"}
	loadSong(t, s, l, song, artist)
	loadSong(t, s, l, song, artist)

	if n := count(t, s, schema.SongsTable); n != 1 {
		t.Fatalf("songs=%d, want 1", n)
	}
	if n := count(t, s, schema.ArtistsTable); n != 1 {
		t.Fatalf("artists=%d, want 1", n)
	}
}

const twoPlays = `{"page":"NextSong","ts":1541990258796,"userId":"10","firstName":"Sylvie","lastName":"Cruz","gender":"F","level":"free","song":"T","artist":"N","length":180.5,"sessionId":9,"location":"L","userAgent":"UA"}
{"page":"NextSong","ts":1541990258796,"userId":"10","firstName":"Other","lastName":"Name","gender":"M","level":"paid","song":"Unknown","artist":"N","length":180.5,"sessionId":9,"location":"L","userAgent":"UA"}
`

func loadLog(t *testing.T, s storage.Store, l *Loader, lr extract.LogResult) PlayResult {
	t.Helper()
	ctx := context.Background()
	var plays PlayResult
	inTx(t, s, func(tx storage.Tx) {
		if _, err := l.Load(ctx, tx, schema.MustByName(schema.TimeTable), RowsOf(lr.Times)); err != nil {
			t.Fatalf("Load time: %v", err)
		}
		if _, err := l.Load(ctx, tx, schema.MustByName(schema.UsersTable), RowsOf(lr.Users)); err != nil {
			t.Fatalf("Load users: %v", err)
		}
		var err error
		if plays, err = l.LoadPlays(ctx, tx, lr.Plays); err != nil {
			t.Fatalf("LoadPlays: %v", err)
		}
	})
	return plays
}

func TestLoad_LogFileTwice(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	l := New(s.Flavor())
	loadSong(t, s, l,
		schema.Song{SongID: "S1", Title: "T", ArtistID: "A1", Year: 2000, Duration: 180.5},
		schema.Artist{ArtistID: "A1", Name: "N"},
	)

	lr := parseLog(t, twoPlays)
	first := loadLog(t, s, l, lr)
	loadLog(t, s, l, lr)

	if first.Matched != 1 || first.Missed != 1 || first.Written != 2 || len(first.Issues) != 0 {
		t.Fatalf("first load=%+v", first)
	}
	if n := count(t, s, schema.TimeTable); n != 1 {
		t.Fatalf("time=%d, want 1", n)
	}
	if n := count(t, s, schema.UsersTable); n != 1 {
		t.Fatalf("users=%d, want 1", n)
	}
	if n := count(t, s, schema.SongPlaysTable); n != 4 {
		t.Fatalf("songplays=%d, want 4 (append-only)", n)
	}

	// Merge keeps the first names and takes the latest level.
	var firstName, level string
	inTx(t, s, func(tx storage.Tx) {
		if err := tx.QueryRow(context.Background(), `SELECT first_name, level FROM users WHERE user_id = ?`, []any{10}, &firstName, &level); err != nil {
			t.Fatalf("select user: %v", err)
		}
	})
	if firstName != "Sylvie" || level != "paid" {
		t.Fatalf("user=(%s, %s), want (Sylvie, paid)", firstName, level)
	}

	// The matched play references S1/A1; the unmatched one has NULLs.
	var matched, nulls int64
	inTx(t, s, func(tx storage.Tx) {
		ctx := context.Background()
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM songplays WHERE song_id = 'S1' AND artist_id = 'A1'`, nil, &matched); err != nil {
			t.Fatalf("count matched: %v", err)
		}
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM songplays WHERE song_id IS NULL AND artist_id IS NULL`, nil, &nulls); err != nil {
			t.Fatalf("count nulls: %v", err)
		}
	})
	if matched != 2 || nulls != 2 {
		t.Fatalf("matched=%d nulls=%d, want 2 and 2", matched, nulls)
	}
}

func TestLoad_RowFailureContinues(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{failLine: map[any]error{"bad": errors.New("constraint violated")}}
	spec := schema.MustByName(schema.TimeTable)

	rows := []Row{
		{Line: 1, Values: []any{"a", 0, 0, 0, 0, 0, 0}},
		{Line: 2, Values: []any{"bad", 0, 0, 0, 0, 0, 0}},
		{Line: 3, Values: []any{"c", 0, 0, 0, 0, 0, 0}},
	}
	res, err := New(sqlbuilder.SQLite).Load(context.Background(), tx, spec, rows)
	if err != nil {
		t.Fatalf("Load returned %v, want nil for a row error", err)
	}
	if res.Written != 2 || res.Failed != 1 || len(tx.written) != 2 {
		t.Fatalf("res=%+v written=%v", res, tx.written)
	}
	is := res.Issues[0]
	if is.Kind != issue.Row || is.Table != schema.TimeTable || is.Line != 2 {
		t.Fatalf("issue=%+v", is)
	}
}

func TestLoad_ConnLostStops(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{failLine: map[any]error{"b": storage.ConnLost(errors.New("broken pipe"))}}
	spec := schema.MustByName(schema.TimeTable)

	rows := []Row{
		{Line: 1, Values: []any{"a"}},
		{Line: 2, Values: []any{"b"}},
		{Line: 3, Values: []any{"c"}},
	}
	res, err := New(sqlbuilder.SQLite).Load(context.Background(), tx, spec, rows)
	if !storage.IsConnLost(err) {
		t.Fatalf("err=%v, want connection loss", err)
	}
	if res.Written != 1 || len(tx.written) != 1 {
		t.Fatalf("loader must stop at the lost connection; res=%+v", res)
	}
}

func TestLoadPlays_LookupFailureBecomesIssue(t *testing.T) {
	t.Parallel()
	length := 1.5
	tx := &fakeTx{queryErr: errors.New("syntax error")}
	plays := []extract.PlayEvent{
		{Line: 4, SongPlay: schema.SongPlay{StartTime: "x", UserID: 1}, Title: "T", Artist: "A", Length: &length},
		{Line: 5, SongPlay: schema.SongPlay{StartTime: "y", UserID: 1}, Title: "T", Artist: "A"},
	}

	res, err := New(sqlbuilder.SQLite).LoadPlays(context.Background(), tx, plays)
	if err != nil {
		t.Fatalf("LoadPlays: %v", err)
	}
	if tx.queries != 1 {
		t.Fatalf("queries=%d, want 1 (null length must not query)", tx.queries)
	}
	if res.Written != 2 || res.Missed != 2 || res.Matched != 0 {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != issue.Lookup || res.Issues[0].Line != 4 {
		t.Fatalf("issues=%v", res.Issues)
	}
	for _, row := range tx.written {
		if row[3] != nil || row[4] != nil {
			t.Fatalf("unmatched play must have NULL references: %v", row)
		}
	}
}

func TestLoadPlays_LookupConnLostStops(t *testing.T) {
	t.Parallel()
	length := 1.5
	tx := &fakeTx{queryErr: storage.ConnLost(errors.New("eof"))}
	plays := []extract.PlayEvent{{Line: 1, Length: &length}}

	if _, err := New(sqlbuilder.SQLite).LoadPlays(context.Background(), tx, plays); !storage.IsConnLost(err) {
		t.Fatalf("err=%v, want connection loss", err)
	}
	if len(tx.written) != 0 {
		t.Fatalf("nothing must be written after a lost connection")
	}
}
