package hls

import (
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// Level is one rendition of the stream, as listed by a master playlist.
type Level struct {
	URL        string `json:"url"`
	Bandwidth  int    `json:"bandwidth"`
	Resolution string `json:"resolution,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
	Name       string `json:"name,omitempty"`
}

// levelsFromMaster converts master playlist variants to levels sorted by
// bandwidth, highest first. Variant URIs are resolved against base.
func levelsFromMaster(master *m3u8.MasterPlaylist, base string) []Level {
	levels := make([]Level, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		levels = append(levels, Level{
			URL:        resolveURL(base, v.URI),
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			Name:       v.Name,
		})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Bandwidth > levels[j].Bandwidth
	})
	return levels
}

// SelectLevel picks a level index for strategy. levels must be sorted by
// bandwidth, highest first.
//
//   - "lowest": last entry
//   - "highest": first entry
//   - "medium": middle entry
//   - "720p": first 1280x720 entry, else medium
//
// Unknown strategies behave like "highest". Returns -1 for no levels.
func SelectLevel(levels []Level, strategy string) int {
	if len(levels) == 0 {
		return -1
	}

	switch strategy {
	case "lowest":
		return len(levels) - 1
	case "medium":
		return len(levels) / 2
	case "720p":
		for i, l := range levels {
			if strings.Contains(l.Resolution, "1280x720") {
				return i
			}
		}
		return len(levels) / 2
	default:
		return 0
	}
}

// resolveURL resolves ref against base. Absolute refs come back unchanged;
// anything unparsable is returned as-is.
func resolveURL(base, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
