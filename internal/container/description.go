package container

import (
	"strings"
)

// Description is an Aperio style ImageDescription: segments separated by
// '|', most of them "key = value" pairs. Segments that are not pairs (the
// leading scanner banner) are kept verbatim.
type Description struct {
	segments []segment
}

type segment struct {
	raw   string
	key   string
	name  string
	sep   string
	value string
	pair  bool
}

// ParseDescription splits s into segments.
func ParseDescription(s string) *Description {
	d := &Description{}
	for _, part := range strings.Split(s, "|") {
		seg := segment{raw: part}
		sep := " = "
		if !strings.Contains(part, sep) {
			sep = "="
		}
		if k, v, ok := strings.Cut(part, sep); ok && strings.TrimSpace(k) != "" && !strings.ContainsAny(k, "\r\n") {
			seg = segment{key: k, name: strings.TrimSpace(k), sep: sep, value: v, pair: true}
		}
		d.segments = append(d.segments, seg)
	}
	return d
}

// IsAperio reports whether the description starts with the Aperio banner.
func (d *Description) IsAperio() bool {
	return len(d.segments) > 0 && !d.segments[0].pair && strings.HasPrefix(d.segments[0].raw, "Aperio")
}

// Get returns the value stored under key.
func (d *Description) Get(key string) (string, bool) {
	for _, s := range d.segments {
		if s.pair && s.name == key {
			return s.value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing key and reports whether it was found.
func (d *Description) Set(key, value string) bool {
	found := false
	for i := range d.segments {
		if d.segments[i].pair && d.segments[i].name == key {
			d.segments[i].value = value
			found = true
		}
	}
	return found
}

// Delete removes every segment stored under key.
func (d *Description) Delete(key string) bool {
	kept := d.segments[:0]
	found := false
	for _, s := range d.segments {
		if s.pair && s.name == key {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	d.segments = kept
	return found
}

// Keys returns the pair keys in order.
func (d *Description) Keys() []string {
	var out []string
	for _, s := range d.segments {
		if s.pair {
			out = append(out, s.name)
		}
	}
	return out
}

// String re-serialises the description.
func (d *Description) String() string {
	parts := make([]string, len(d.segments))
	for i, s := range d.segments {
		if s.pair {
			parts[i] = s.key + s.sep + s.value
		} else {
			parts[i] = s.raw
		}
	}
	return strings.Join(parts, "|")
}

// ScanInfo is identity-bearing metadata found in a container.
type ScanInfo struct {
	Filename string `json:"filename,omitempty"`
	Title    string `json:"title,omitempty"`
	Date     string `json:"date,omitempty"`
	Time     string `json:"time,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
	User     string `json:"user,omitempty"`
	DateTime string `json:"date_time,omitempty"`
	Artist   string `json:"artist,omitempty"`
}

// ExtractScanInfo reads identity-bearing fields from the first directory
// that carries them.
func ExtractScanInfo(c *Container) ScanInfo {
	var info ScanInfo
	for _, d := range c.IFDs {
		if e, ok := d.Entry(TagImageDescription); ok {
			desc := ParseDescription(e.String())
			set := func(dst *string, key string) {
				if v, ok := desc.Get(key); ok && *dst == "" {
					*dst = v
				}
			}
			set(&info.Filename, "Filename")
			set(&info.Title, "Title")
			set(&info.Date, "Date")
			set(&info.Time, "Time")
			set(&info.TimeZone, "Time Zone")
			set(&info.User, "User")
		}
		if e, ok := d.Entry(TagDateTime); ok && info.DateTime == "" {
			info.DateTime = e.String()
		}
		if e, ok := d.Entry(TagArtist); ok && info.Artist == "" {
			info.Artist = e.String()
		}
	}
	return info
}
