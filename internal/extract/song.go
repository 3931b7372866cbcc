// Package extract shapes parsed source records into star-schema rows.
//
// Extraction never fails as a whole. Fields that are missing or ill-typed turn
// into malformed issues for the table that needed them, and sibling rows built
// from the same record are still returned.
package extract

import (
	"errors"
	"fmt"

	"songetl/internal/issue"
	pjson "songetl/internal/parser/json"
	"songetl/internal/schema"
)

// SongColumns is the column order SongFile expects from the JSON reader.
var SongColumns = []string{
	"song_id",
	"title",
	"artist_id",
	"year",
	"duration",
	"artist_name",
	"artist_location",
	"artist_latitude",
	"artist_longitude",
}

const (
	songColSongID = iota
	songColTitle
	songColArtistID
	songColYear
	songColDuration
	songColArtistName
	songColArtistLocation
	songColArtistLatitude
	songColArtistLongitude
)

// SongResult holds what one song file yields. Song and Artist are nil when
// their fields were malformed; the matching issue is in Issues.
type SongResult struct {
	Song       *schema.Song
	SongLine   int
	Artist     *schema.Artist
	ArtistLine int
	Issues     []issue.Issue
}

var errEmptySongFile = errors.New("song file contains no record")

// SongFile extracts one song row and one artist row from a song file. A song
// file holds a single record; records after the first are ignored.
func SongFile(rows []*pjson.Row) SongResult {
	var res SongResult
	if len(rows) == 0 {
		res.Issues = append(res.Issues,
			issue.New(issue.Malformed, schema.SongsTable, 0, errEmptySongFile),
			issue.New(issue.Malformed, schema.ArtistsTable, 0, errEmptySongFile),
		)
		return res
	}

	rec := rows[0]
	if len(rec.V) != len(SongColumns) {
		err := fmt.Errorf("record has %d values, want %d", len(rec.V), len(SongColumns))
		res.Issues = append(res.Issues,
			issue.New(issue.Malformed, schema.SongsTable, rec.Line, err),
			issue.New(issue.Malformed, schema.ArtistsTable, rec.Line, err),
		)
		return res
	}

	if song, err := songRow(rec.V); err != nil {
		res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.SongsTable, rec.Line, err))
	} else {
		res.Song, res.SongLine = &song, rec.Line
	}

	if artist, err := artistRow(rec.V); err != nil {
		res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.ArtistsTable, rec.Line, err))
	} else {
		res.Artist, res.ArtistLine = &artist, rec.Line
	}
	return res
}

func songRow(v []any) (schema.Song, error) {
	var (
		s   schema.Song
		err error
	)
	if s.SongID, err = requireID("song_id", v[songColSongID]); err != nil {
		return s, err
	}
	if s.Title, err = requireString("title", v[songColTitle]); err != nil {
		return s, err
	}
	if s.ArtistID, err = requireID("artist_id", v[songColArtistID]); err != nil {
		return s, err
	}
	year, err := requireInt("year", v[songColYear], false)
	if err != nil {
		return s, err
	}
	s.Year = int(year)
	if s.Duration, err = requireFloat("duration", v[songColDuration]); err != nil {
		return s, err
	}
	return s, nil
}

func artistRow(v []any) (schema.Artist, error) {
	var (
		a   schema.Artist
		err error
	)
	if a.ArtistID, err = requireID("artist_id", v[songColArtistID]); err != nil {
		return a, err
	}
	if a.Name, err = requireString("artist_name", v[songColArtistName]); err != nil {
		return a, err
	}
	if a.Location, err = optionalString("artist_location", v[songColArtistLocation]); err != nil {
		return a, err
	}
	if a.Latitude, err = optionalFloat("artist_latitude", v[songColArtistLatitude]); err != nil {
		return a, err
	}
	if a.Longitude, err = optionalFloat("artist_longitude", v[songColArtistLongitude]); err != nil {
		return a, err
	}
	return a, nil
}
