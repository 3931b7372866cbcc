package schema

// Song is one row of the songs table.
type Song struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int
	Duration float64
}

func (s Song) Values() []any {
	return []any{s.SongID, s.Title, s.ArtistID, s.Year, s.Duration}
}

// Artist is one row of the artists table. Location and coordinates are
// optional in the source data.
type Artist struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

func (a Artist) Values() []any {
	return []any{a.ArtistID, a.Name, nullable(a.Location), nullable(a.Latitude), nullable(a.Longitude)}
}

type User struct {
	UserID    int64
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

func (u User) Values() []any {
	return []any{u.UserID, u.FirstName, u.LastName, u.Gender, u.Level}
}

// Time is one decomposed play instant. StartTime is the UTC instant formatted
// with StartTimeLayout and joins songplays.start_time.
type Time struct {
	StartTime string
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int
}

// StartTimeLayout formats start_time in both the time and songplays tables.
const StartTimeLayout = "2006-01-02 15:04:05.000"

func (t Time) Values() []any {
	return []any{t.StartTime, t.Hour, t.Day, t.Week, t.Month, t.Year, t.Weekday}
}

// SongPlay is one row of the songplays fact table. SongID and ArtistID are nil
// when the play could not be matched to a known song.
type SongPlay struct {
	StartTime string
	UserID    int64
	Level     string
	SongID    *string
	ArtistID  *string
	SessionID int64
	Location  string
	UserAgent string
}

func (p SongPlay) Values() []any {
	return []any{p.StartTime, p.UserID, p.Level, nullable(p.SongID), nullable(p.ArtistID), p.SessionID, p.Location, p.UserAgent}
}

// Valuer is implemented by every row type.
type Valuer interface {
	Values() []any
}

// nullable turns a nil pointer into an untyped nil so drivers write NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
