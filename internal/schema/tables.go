// Package schema declares the star schema: the five destination tables and the
// row types the extractor produces for them.
package schema

import (
	"fmt"

	"songetl/internal/storage"
)

const (
	SongsTable     = "songs"
	ArtistsTable   = "artists"
	UsersTable     = "users"
	TimeTable      = "time"
	SongPlaysTable = "songplays"
)

var (
	songsSpec = storage.TableSpec{
		Name: SongsTable,
		Columns: []storage.ColumnSpec{
			{Name: "song_id", Type: storage.TypeText},
			{Name: "title", Type: storage.TypeText},
			{Name: "artist_id", Type: storage.TypeText},
			{Name: "year", Type: storage.TypeInt},
			{Name: "duration", Type: storage.TypeFloat},
		},
		Key:      []string{"song_id"},
		Conflict: storage.ConflictSpec{Policy: storage.ConflictSkip},
	}

	artistsSpec = storage.TableSpec{
		Name: ArtistsTable,
		Columns: []storage.ColumnSpec{
			{Name: "artist_id", Type: storage.TypeText},
			{Name: "name", Type: storage.TypeText},
			{Name: "location", Type: storage.TypeText},
			{Name: "latitude", Type: storage.TypeFloat},
			{Name: "longitude", Type: storage.TypeFloat},
		},
		Key:      []string{"artist_id"},
		Conflict: storage.ConflictSpec{Policy: storage.ConflictSkip},
	}

	// Only the subscription level changes over time.
	usersSpec = storage.TableSpec{
		Name: UsersTable,
		Columns: []storage.ColumnSpec{
			{Name: "user_id", Type: storage.TypeInt},
			{Name: "first_name", Type: storage.TypeText},
			{Name: "last_name", Type: storage.TypeText},
			{Name: "gender", Type: storage.TypeText},
			{Name: "level", Type: storage.TypeText},
		},
		Key:      []string{"user_id"},
		Conflict: storage.ConflictSpec{Policy: storage.ConflictMerge, MergeColumns: []string{"level"}},
	}

	timeSpec = storage.TableSpec{
		Name: TimeTable,
		Columns: []storage.ColumnSpec{
			{Name: "start_time", Type: storage.TypeText},
			{Name: "hour", Type: storage.TypeInt},
			{Name: "day", Type: storage.TypeInt},
			{Name: "week", Type: storage.TypeInt},
			{Name: "month", Type: storage.TypeInt},
			{Name: "year", Type: storage.TypeInt},
			{Name: "weekday", Type: storage.TypeInt},
		},
		Key:      []string{"start_time"},
		Conflict: storage.ConflictSpec{Policy: storage.ConflictSkip},
	}

	// Append-only. song_id and artist_id stay NULL when the lookup misses.
	songPlaysSpec = storage.TableSpec{
		Name:       SongPlaysTable,
		PrimaryKey: &storage.PrimaryKeySpec{Name: "songplay_id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "start_time", Type: storage.TypeText, NotNull: true},
			{Name: "user_id", Type: storage.TypeInt, NotNull: true},
			{Name: "level", Type: storage.TypeText},
			{Name: "song_id", Type: storage.TypeText},
			{Name: "artist_id", Type: storage.TypeText},
			{Name: "session_id", Type: storage.TypeInt},
			{Name: "location", Type: storage.TypeText},
			{Name: "user_agent", Type: storage.TypeText},
		},
		Conflict: storage.ConflictSpec{Policy: storage.ConflictNone},
	}
)

// Tables returns the five table specs in load order: dimensions first, then
// the fact table. The slice is a fresh copy on every call.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{songsSpec, artistsSpec, usersSpec, timeSpec, songPlaysSpec}
}

// ByName returns the spec for one of the five tables.
func ByName(name string) (storage.TableSpec, error) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return storage.TableSpec{}, fmt.Errorf("schema: unknown table %q", name)
}

// MustByName is ByName for names known at compile time.
func MustByName(name string) storage.TableSpec {
	t, err := ByName(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks every spec in the catalog.
func Validate() error {
	for _, t := range Tables() {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}
