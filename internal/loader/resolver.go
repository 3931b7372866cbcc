package loader

import (
	"context"
	"errors"

	"github.com/huandu/go-sqlbuilder"

	"songetl/internal/schema"
	"songetl/internal/storage"
)

// Ref is the result of a song lookup. Both fields are nil on a miss.
type Ref struct {
	SongID   *string
	ArtistID *string
}

// Found reports whether the lookup matched a song.
func (r Ref) Found() bool { return r.SongID != nil }

// Resolver maps the (title, artist name, duration) triple of a play event to
// the song and artist keys already in the store.
//
// Matching is exact on all three values, including the float duration. Plays
// whose duration differs in the last bit from the song file's stay unmatched.
type Resolver struct {
	flavor sqlbuilder.Flavor
}

func NewResolver(flavor sqlbuilder.Flavor) *Resolver {
	return &Resolver{flavor: flavor}
}

// Query returns the lookup statement and its arguments in the resolver's flavor.
func (r *Resolver) Query(title, artist string, duration float64) (string, []any) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(schema.SongsTable+".song_id", schema.ArtistsTable+".artist_id").
		From(schema.SongsTable).
		Join(schema.ArtistsTable, schema.SongsTable+".artist_id = "+schema.ArtistsTable+".artist_id").
		Where(
			sb.Equal(schema.SongsTable+".title", title),
			sb.Equal(schema.ArtistsTable+".name", artist),
			sb.Equal(schema.SongsTable+".duration", duration),
		)
	return sb.Build()
}

// Resolve looks the triple up inside tx. A nil duration is a miss without a
// query. No matching row is a miss, not an error.
func (r *Resolver) Resolve(ctx context.Context, tx storage.Tx, title, artist string, duration *float64) (Ref, error) {
	if duration == nil {
		return Ref{}, nil
	}

	query, args := r.Query(title, artist, *duration)
	var songID, artistID string
	err := tx.QueryRow(ctx, query, args, &songID, &artistID)
	switch {
	case errors.Is(err, storage.ErrNoRows):
		return Ref{}, nil
	case err != nil:
		return Ref{}, err
	}
	return Ref{SongID: &songID, ArtistID: &artistID}, nil
}
