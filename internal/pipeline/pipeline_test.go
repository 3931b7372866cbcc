package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"songetl/internal/loader"
	pjson "songetl/internal/parser/json"
	"songetl/internal/schema"
	"songetl/internal/storage"
	_ "songetl/internal/storage/sqlite"
)

const songJSON = `{"num_songs": 1, "artist_id": "ARD7TVE1187B99BFB1", "artist_latitude": null, "artist_longitude": null, "artist_location": "California - LA", "artist_name": "Casual", "song_id": "SOMZWCG12A8C13C480", "title": "I Didn't Mean To", "duration": 218.93179, "year": 0}`

const otherSongJSON = `{"num_songs": 1, "artist_id": "ARMJAGH1187FB546F3", "artist_latitude": 35.14968, "artist_longitude": -90.04892, "artist_location": "Memphis, TN", "artist_name": "The Box Tops", "song_id": "SOCIWDW12A8C13D406", "title": "Soul Deep", "duration": 148.03546, "year": 1969}`

// Line 1 matches the song above, line 2 is not a play, line 3 misses, line 4
// upgrades user 15 to paid, line 5 has no user id.
const logJSONL = `{"artist":"Casual","auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":218.93179,"level":"free","location":"Chicago-Naperville-Elgin, IL-IN-WI","page":"NextSong","sessionId":818,"song":"I Didn't Mean To","ts":1541990258796,"userAgent":"Mozilla/5.0","userId":"15"}
{"artist":null,"auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":null,"level":"free","page":"Home","sessionId":818,"song":null,"ts":1541990264796,"userId":"15"}
{"artist":"Elena","auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":269.58322,"level":"free","location":"Chicago-Naperville-Elgin, IL-IN-WI","page":"NextSong","sessionId":818,"song":"Setanta matins","ts":1541990541796,"userAgent":"Mozilla/5.0","userId":"15"}
{"artist":"Casual","auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":218.93179,"level":"paid","location":"Chicago-Naperville-Elgin, IL-IN-WI","page":"NextSong","sessionId":819,"song":"I Didn't Mean To","ts":1542845032796,"userAgent":"Mozilla/5.0","userId":"15"}
{"artist":"Casual","auth":"Logged Out","firstName":null,"gender":null,"lastName":null,"length":218.93179,"level":"free","page":"NextSong","sessionId":820,"song":"I Didn't Mean To","ts":1542845032799,"userId":""}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type env struct {
	store  storage.Store
	db     *sqlx.DB
	driver *Driver
	logs   *observer.ObservedLogs
	loader *loader.Loader
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sparkify.db")

	s, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: dbPath})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureTables(ctx, schema.Tables()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sqlx.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	return &env{
		store:  s,
		db:     db,
		driver: NewDriver(s, zap.New(core), ""),
		logs:   logs,
		loader: loader.New(s.Flavor()),
	}
}

func (e *env) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := e.db.Get(&n, `SELECT COUNT(*) FROM "`+table+`"`); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "TRB.json"), "{}")
	writeFile(t, filepath.Join(root, "a", "x", "TRA.json"), "{}")
	writeFile(t, filepath.Join(root, "a", "notes.txt"), "")
	writeFile(t, filepath.Join(root, "c.json"), "{}")

	got, err := Discover(root, "*.json", nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		filepath.Join(root, "a", "x", "TRA.json"),
		filepath.Join(root, "b", "TRB.json"),
		filepath.Join(root, "c.json"),
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("Discover=%v, want %v", got, want)
	}
	for _, p := range got {
		if !filepath.IsAbs(p) {
			t.Fatalf("path %q is not absolute", p)
		}
	}

	if got, err := Discover(filepath.Join(root, "missing"), "*.json", nil); err != nil || len(got) != 0 {
		t.Fatalf("missing root = (%v, %v), want empty", got, err)
	}
	if _, err := Discover(root, "[", nil); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}

type unreadableDirFS struct {
	fs.FS
	dir string
}

func (f unreadableDirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name == f.dir {
		return nil, &fs.PathError{Op: "readdirent", Path: name, Err: fs.ErrPermission}
	}
	return fs.ReadDir(f.FS, name)
}

func TestDiscover_SkipsUnreadableDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "TRA.json"), "{}")
	writeFile(t, filepath.Join(root, "locked", "TRB.json"), "{}")
	writeFile(t, filepath.Join(root, "c.json"), "{}")
	fsys := unreadableDirFS{FS: os.DirFS(root), dir: "locked"}

	var skipped []string
	got, err := discoverFS(fsys, root, "*.json", func(path string, err error) {
		if !errors.Is(err, fs.ErrPermission) {
			t.Errorf("skip err=%v, want permission error", err)
		}
		skipped = append(skipped, path)
	})
	if err != nil {
		t.Fatalf("discoverFS: %v", err)
	}
	want := []string{filepath.Join(root, "a", "TRA.json"), filepath.Join(root, "c.json")}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("files=%v, want %v", got, want)
	}
	if len(skipped) != 1 || skipped[0] != filepath.Join(root, "locked") {
		t.Fatalf("skipped=%v, want the locked directory", skipped)
	}

	if _, err := discoverFS(fsys, root, "*.json", nil); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("err=%v, want permission error without a skip func", err)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	songRoot := t.TempDir()
	writeFile(t, filepath.Join(songRoot, "A", "A", "TRAAAAW128F429D538.json"), songJSON)
	writeFile(t, filepath.Join(songRoot, "A", "B", "TRAAABD128F429CF47.json"), otherSongJSON)
	logRoot := t.TempDir()
	writeFile(t, filepath.Join(logRoot, "2018", "11", "2018-11-12-events.json"), logJSONL)

	songSum, err := e.driver.Run(ctx, songRoot, SongFileHandler{Loader: e.loader})
	if err != nil {
		t.Fatalf("Run songs: %v", err)
	}
	if songSum.Files != 2 || songSum.Processed != 2 || songSum.Issues != 0 {
		t.Fatalf("song summary=%+v", songSum)
	}
	if songSum.Tables[schema.SongsTable].Written != 2 || songSum.Tables[schema.ArtistsTable].Written != 2 {
		t.Fatalf("song tables=%+v", songSum.Tables)
	}

	logSum, err := e.driver.Run(ctx, logRoot, LogFileHandler{Loader: e.loader})
	if err != nil {
		t.Fatalf("Run logs: %v", err)
	}
	if logSum.Matched != 2 || logSum.Missed != 1 {
		t.Fatalf("lookups matched=%d missed=%d, want 2/1", logSum.Matched, logSum.Missed)
	}

	if got := e.count(t, schema.SongsTable); got != 2 {
		t.Fatalf("songs=%d, want 2", got)
	}
	// Line 5 still yields a time row; only its user and play are dropped.
	if got := e.count(t, schema.TimeTable); got != 4 {
		t.Fatalf("time=%d, want 4", got)
	}
	if got := e.count(t, schema.SongPlaysTable); got != 3 {
		t.Fatalf("songplays=%d, want 3", got)
	}

	var level string
	if err := e.db.Get(&level, `SELECT level FROM users WHERE user_id = 15`); err != nil || level != "paid" {
		t.Fatalf("user 15 level=%q err=%v, want paid", level, err)
	}

	type play struct {
		StartTime string  `db:"start_time"`
		SongID    *string `db:"song_id"`
		ArtistID  *string `db:"artist_id"`
		SessionID int64   `db:"session_id"`
	}
	var plays []play
	if err := e.db.Select(&plays, `SELECT start_time, song_id, artist_id, session_id FROM songplays ORDER BY songplay_id`); err != nil {
		t.Fatalf("select songplays: %v", err)
	}
	if plays[0].StartTime != "2018-11-12 02:37:38.796" || plays[0].SongID == nil || *plays[0].SongID != "SOMZWCG12A8C13C480" {
		t.Fatalf("first play=%+v", plays[0])
	}
	if plays[0].ArtistID == nil || *plays[0].ArtistID != "ARD7TVE1187B99BFB1" {
		t.Fatalf("first play artist=%v", plays[0].ArtistID)
	}
	if plays[1].SongID != nil || plays[1].ArtistID != nil {
		t.Fatalf("unmatched play must have NULL references: %+v", plays[1])
	}

	// The record without a user id is reported at its own line.
	var found bool
	for _, entry := range e.logs.FilterMessage("record skipped").All() {
		fields := entry.ContextMap()
		if fields["table"] == schema.UsersTable && fields["line"] == int64(5) && fields["kind"] == "malformed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing malformed issue for line 5; logs=%v", e.logs.All())
	}
	if n := e.logs.FilterMessage("1/1 files processed").Len(); n != 1 {
		t.Fatalf("progress lines=%d, want 1", n)
	}
}

func TestRun_SongFilesAreIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one.json"), songJSON)

	for i := 0; i < 2; i++ {
		if _, err := e.driver.Run(ctx, root, SongFileHandler{Loader: e.loader}); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}
	if e.count(t, schema.SongsTable) != 1 || e.count(t, schema.ArtistsTable) != 1 {
		t.Fatalf("songs=%d artists=%d, want 1 each", e.count(t, schema.SongsTable), e.count(t, schema.ArtistsTable))
	}

	var loc string
	if err := e.db.Get(&loc, `SELECT location FROM artists`); err != nil || loc != "California - LA" {
		t.Fatalf("artist location=%q err=%v", loc, err)
	}
}

func TestRun_MalformedFileDoesNotStopTheRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.json"), "{\"song_id\": \n")
	writeFile(t, filepath.Join(root, "b.json"), songJSON)
	writeFile(t, filepath.Join(root, "c.json"), `{"song_id": "SOX", "title": 7}`)

	sum, err := e.driver.Run(ctx, root, SongFileHandler{Loader: e.loader})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 3 || sum.Malformed != 1 {
		t.Fatalf("summary=%+v, want 3 processed and 1 malformed", sum)
	}
	if e.count(t, schema.SongsTable) != 1 {
		t.Fatalf("songs=%d, want 1", e.count(t, schema.SongsTable))
	}
	if sum.Issues < 3 {
		t.Fatalf("issues=%d, want the parse failure plus song and artist issues", sum.Issues)
	}
	var fileIssue bool
	for _, entry := range e.logs.FilterMessage("record skipped").All() {
		fields := entry.ContextMap()
		if strings.HasSuffix(fields["file"].(string), "a.json") {
			fileIssue = fields["table"] == "file" && fields["line"] == int64(1)
		}
	}
	if !fileIssue {
		t.Fatalf("missing file-level issue for a.json; logs=%v", e.logs.All())
	}
	if e.logs.FilterMessage("3/3 files processed").Len() != 1 {
		t.Fatalf("progress must count malformed files")
	}
}

func TestRun_UndecodableLineSkipsOnlyThatRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	songRoot := t.TempDir()
	writeFile(t, filepath.Join(songRoot, "song.json"), songJSON)
	if _, err := e.driver.Run(ctx, songRoot, SongFileHandler{Loader: e.loader}); err != nil {
		t.Fatalf("Run songs: %v", err)
	}

	lines := strings.Split(logJSONL, "\n")
	logRoot := t.TempDir()
	writeFile(t, filepath.Join(logRoot, "events.json"), lines[0]+"\n{not json\n"+lines[3]+"\n")

	sum, err := e.driver.Run(ctx, logRoot, LogFileHandler{Loader: e.loader})
	if err != nil {
		t.Fatalf("Run logs: %v", err)
	}
	if sum.Processed != 1 || sum.Malformed != 0 || sum.Issues != 1 || sum.Matched != 2 {
		t.Fatalf("summary=%+v, want 1 processed, 0 malformed, 1 issue, 2 matched", sum)
	}
	if got := e.count(t, schema.SongPlaysTable); got != 2 {
		t.Fatalf("songplays=%d, want 2", got)
	}
	if got := e.count(t, schema.UsersTable); got != 1 {
		t.Fatalf("users=%d, want 1", got)
	}

	entries := e.logs.FilterMessage("record skipped").All()
	if len(entries) != 1 {
		t.Fatalf("record skipped entries=%d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["table"] != "file" || fields["line"] != int64(2) || fields["kind"] != "malformed" {
		t.Fatalf("issue fields=%v", fields)
	}
}

type failingStore struct {
	beginErr error
	tx       *recordingTx
}

func (f *failingStore) Flavor() sqlbuilder.Flavor                               { return sqlbuilder.SQLite }
func (f *failingStore) EnsureTables(context.Context, []storage.TableSpec) error { return nil }
func (f *failingStore) DropTables(context.Context, []storage.TableSpec) error   { return nil }
func (f *failingStore) Close()                                                  {}
func (f *failingStore) Begin(context.Context) (storage.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

type recordingTx struct {
	upsertErr error
	commits   int
	rollbacks int
}

func (r *recordingTx) Upsert(context.Context, storage.TableSpec, []any) error { return r.upsertErr }
func (r *recordingTx) QueryRow(context.Context, string, []any, ...any) error {
	return storage.ErrNoRows
}
func (r *recordingTx) Commit(context.Context) error   { r.commits++; return nil }
func (r *recordingTx) Rollback(context.Context) error { r.rollbacks++; return nil }

func TestRun_StopsOnConnectionLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.json"), songJSON)
	writeFile(t, filepath.Join(root, "b.json"), otherSongJSON)

	t.Run("begin", func(t *testing.T) {
		t.Parallel()
		s := &failingStore{beginErr: storage.ConnLost(errors.New("dial tcp: refused"))}
		d := NewDriver(s, nil, "")
		sum, err := d.Run(ctx, root, SongFileHandler{Loader: loader.New(s.Flavor())})
		if !storage.IsConnLost(err) {
			t.Fatalf("err=%v, want connection loss", err)
		}
		if sum.Processed != 0 {
			t.Fatalf("processed=%d, want 0", sum.Processed)
		}
	})

	t.Run("upsert", func(t *testing.T) {
		t.Parallel()
		tx := &recordingTx{upsertErr: storage.ConnLost(errors.New("conn closed"))}
		s := &failingStore{tx: tx}
		d := NewDriver(s, nil, "")
		_, err := d.Run(ctx, root, SongFileHandler{Loader: loader.New(s.Flavor())})
		if !storage.IsConnLost(err) {
			t.Fatalf("err=%v, want connection loss", err)
		}
		if tx.rollbacks != 1 || tx.commits != 0 {
			t.Fatalf("rollbacks=%d commits=%d, want 1/0", tx.rollbacks, tx.commits)
		}
	})

	t.Run("row_errors_do_not_stop", func(t *testing.T) {
		t.Parallel()
		tx := &recordingTx{upsertErr: errors.New("constraint violated")}
		s := &failingStore{tx: tx}
		d := NewDriver(s, nil, "")
		sum, err := d.Run(ctx, root, SongFileHandler{Loader: loader.New(s.Flavor())})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if tx.commits != 2 || sum.Tables[schema.SongsTable].Failed != 2 {
			t.Fatalf("commits=%d summary=%+v", tx.commits, sum)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		s := &failingStore{tx: &recordingTx{}}
		_, err := NewDriver(s, nil, "").Run(cctx, root, SongFileHandler{Loader: loader.New(s.Flavor())})
		if !storage.IsConnLost(err) || !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want cancellation", err)
		}
	})
}

func TestHandlers_ColumnsMatchExtractor(t *testing.T) {
	t.Parallel()

	rows, _, err := pjson.ReadAll(context.Background(), strings.NewReader(songJSON), SongFileHandler{}.Columns())
	if err != nil || len(rows) != 1 {
		t.Fatalf("ReadAll = (%d rows, %v)", len(rows), err)
	}
	if rows[0].V[0] != "SOMZWCG12A8C13C480" {
		t.Fatalf("first column=%v, want song_id", rows[0].V[0])
	}
	if (LogFileHandler{}).Kind() != "log" || (SongFileHandler{}).Kind() != "song" {
		t.Fatalf("unexpected handler kinds")
	}
}
