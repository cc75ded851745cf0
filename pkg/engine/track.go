package engine

import (
	"time"
)

// Track is an immutable descriptor of one playable item as resolved by the
// engine. Encoded is the engine's opaque handle used to play it.
type Track struct {
	Encoded    string
	Identifier string
	Title      string
	Author     string
	URI        string
	ArtworkURL string
	Duration   time.Duration
	IsStream   bool
	SourceName string
}

// LoadType is the kind of result returned by a track load.
type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadSearch   LoadType = "search"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

// LoadResult is the outcome of LoadTracks.
type LoadResult struct {
	Type         LoadType
	Tracks       []Track
	PlaylistName string
	// set when Type is LoadError
	Message  string
	Severity string
}

type wireTrack struct {
	Encoded  string                 `json:"encoded"`
	Info     wireTrackInfo          `json:"info"`
	UserData map[string]interface{} `json:"userData,omitempty"`
}

type wireTrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	IsStream   bool    `json:"isStream"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl"`
	SourceName string  `json:"sourceName"`
}

func (w wireTrack) toTrack() Track {
	t := Track{
		Encoded:    w.Encoded,
		Identifier: w.Info.Identifier,
		Title:      w.Info.Title,
		Author:     w.Info.Author,
		Duration:   time.Duration(w.Info.Length) * time.Millisecond,
		IsStream:   w.Info.IsStream,
		SourceName: w.Info.SourceName,
	}
	if w.Info.URI != nil {
		t.URI = *w.Info.URI
	}
	if w.Info.ArtworkURL != nil {
		t.ArtworkURL = *w.Info.ArtworkURL
	}
	return t
}

func (w wireTrack) correlation() string {
	if w.UserData == nil {
		return ""
	}
	id, _ := w.UserData[correlationKey].(string)
	return id
}

func toTracks(in []wireTrack) []Track {
	out := make([]Track, 0, len(in))
	for _, w := range in {
		out = append(out, w.toTrack())
	}
	return out
}
