package stream

import (
	"fmt"
	"math"
	"strings"
)

// PlaylistGenerator renders HLS manifest documents for a fixed base URL and
// quality-profile list. It is pure and stateless after construction.
type PlaylistGenerator struct {
	baseURL         string
	profiles        []QualityProfile
	segmentDuration float64
}

// NewPlaylistGenerator returns a generator for the given base URL, profiles,
// and configured segment duration. A single trailing slash on baseURL is
// stripped so generated URLs never contain a double slash.
func NewPlaylistGenerator(baseURL string, profiles []QualityProfile, segmentDuration float64) *PlaylistGenerator {
	return &PlaylistGenerator{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		profiles:        profiles,
		segmentDuration: segmentDuration,
	}
}

// MasterPlaylist renders one stream-info entry per quality profile, in the
// order the profiles were supplied. An empty profile list yields a minimal,
// still-valid document.
func (g *PlaylistGenerator) MasterPlaylist() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, p := range g.profiles {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			p.Bitrate, p.Width, p.Height, p.Codecs))
		b.WriteString(p.ID)
		b.WriteString("/playlist.m3u8\n")
	}

	return b.String()
}

// MediaPlaylist renders the live media playlist for one quality tier from an
// oldest-first segment snapshot. The end marker is written only when ended is
// true; live playlists omit it.
func (g *PlaylistGenerator) MediaPlaylist(quality string, segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", g.targetDuration()))

	mediaSequence := int64(0)
	if len(segments) > 0 {
		mediaSequence = segments[0].SequenceIndex
	}
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", mediaSequence))

	for _, seg := range segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(g.baseURL)
		b.WriteString("/")
		b.WriteString(quality)
		b.WriteString("/")
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration is the configured segment duration rounded up to an integer,
// as the manifest format requires.
func (g *PlaylistGenerator) targetDuration() int {
	if g.segmentDuration <= 0 {
		return 1
	}
	return int(math.Ceil(g.segmentDuration))
}
