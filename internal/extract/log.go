package extract

import (
	"fmt"

	"songetl/internal/issue"
	pjson "songetl/internal/parser/json"
	"songetl/internal/schema"
)

// NextSongPage marks the log records that are song plays.
const NextSongPage = "NextSong"

// LogColumns is the column order LogFile expects from the JSON reader.
var LogColumns = []string{
	"page",
	"ts",
	"userId",
	"firstName",
	"lastName",
	"gender",
	"level",
	"song",
	"artist",
	"length",
	"sessionId",
	"location",
	"userAgent",
}

const (
	logColPage = iota
	logColTS
	logColUserID
	logColFirstName
	logColLastName
	logColGender
	logColLevel
	logColSong
	logColArtist
	logColLength
	logColSessionID
	logColLocation
	logColUserAgent
)

// Sourced pairs a row with the source line it came from.
type Sourced[T schema.Valuer] struct {
	Line int
	Row  T
}

// PlayEvent is a songplay row whose song and artist references are not yet
// resolved, plus the triple used to resolve them. Length is nil when the
// source had no duration.
type PlayEvent struct {
	Line     int
	SongPlay schema.SongPlay
	Title    string
	Artist   string
	Length   *float64
}

// LogResult holds the rows of one log file in source order.
type LogResult struct {
	Times  []Sourced[schema.Time]
	Users  []Sourced[schema.User]
	Plays  []PlayEvent
	Issues []issue.Issue
	// Skipped counts records that are not song plays.
	Skipped int
}

// LogFile keeps the NextSong records of a log file and projects each one into
// a time row, a user row and a play event.
//
// A bad timestamp costs the time row and the play. A bad user id costs the
// user row and the play. Other play fields only cost the play.
func LogFile(rows []*pjson.Row) LogResult {
	var res LogResult
	for _, rec := range rows {
		if len(rec.V) != len(LogColumns) {
			res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.SongPlaysTable, rec.Line,
				fmt.Errorf("record has %d values, want %d", len(rec.V), len(LogColumns))))
			continue
		}
		if page, _ := rec.V[logColPage].(string); page != NextSongPage {
			res.Skipped++
			continue
		}

		tm, tsErr := timeRow(rec.V)
		if tsErr != nil {
			res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.TimeTable, rec.Line, tsErr))
		} else {
			res.Times = append(res.Times, Sourced[schema.Time]{Line: rec.Line, Row: tm})
		}

		user, userErr := userRow(rec.V)
		if userErr != nil {
			res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.UsersTable, rec.Line, userErr))
		} else {
			res.Users = append(res.Users, Sourced[schema.User]{Line: rec.Line, Row: user})
		}

		if tsErr != nil || userErr != nil {
			cause := tsErr
			if cause == nil {
				cause = userErr
			}
			res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.SongPlaysTable, rec.Line, cause))
			continue
		}

		ev, err := playEvent(rec.V, tm.StartTime, user)
		if err != nil {
			res.Issues = append(res.Issues, issue.New(issue.Malformed, schema.SongPlaysTable, rec.Line, err))
			continue
		}
		ev.Line = rec.Line
		res.Plays = append(res.Plays, ev)
	}
	return res
}

func timeRow(v []any) (schema.Time, error) {
	ms, err := requireInt("ts", v[logColTS], false)
	if err != nil {
		return schema.Time{}, err
	}
	return DecomposeTimestamp(ms), nil
}

func userRow(v []any) (schema.User, error) {
	var (
		u   schema.User
		err error
	)
	if u.UserID, err = requireInt("userId", v[logColUserID], true); err != nil {
		return u, err
	}
	if u.FirstName, err = stringOrEmpty("firstName", v[logColFirstName]); err != nil {
		return u, err
	}
	if u.LastName, err = stringOrEmpty("lastName", v[logColLastName]); err != nil {
		return u, err
	}
	if u.Gender, err = stringOrEmpty("gender", v[logColGender]); err != nil {
		return u, err
	}
	if u.Level, err = stringOrEmpty("level", v[logColLevel]); err != nil {
		return u, err
	}
	return u, nil
}

func playEvent(v []any, startTime string, user schema.User) (PlayEvent, error) {
	var (
		ev  PlayEvent
		err error
	)
	ev.SongPlay = schema.SongPlay{
		StartTime: startTime,
		UserID:    user.UserID,
		Level:     user.Level,
	}
	if ev.SongPlay.SessionID, err = requireInt("sessionId", v[logColSessionID], false); err != nil {
		return ev, err
	}
	if ev.SongPlay.Location, err = stringOrEmpty("location", v[logColLocation]); err != nil {
		return ev, err
	}
	if ev.SongPlay.UserAgent, err = stringOrEmpty("userAgent", v[logColUserAgent]); err != nil {
		return ev, err
	}
	if ev.Title, err = stringOrEmpty("song", v[logColSong]); err != nil {
		return ev, err
	}
	if ev.Artist, err = stringOrEmpty("artist", v[logColArtist]); err != nil {
		return ev, err
	}
	if ev.Length, err = optionalFloat("length", v[logColLength]); err != nil {
		return ev, err
	}
	return ev, nil
}
