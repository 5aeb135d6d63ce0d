package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

var (
	// ErrInvalidSize is returned when a size token has an unknown unit or a malformed number.
	ErrInvalidSize = errors.New("invalid size token")
	// ErrNoSizeToken is returned when a title carries no trailing [x.yy UNIT] token.
	ErrNoSizeToken = errors.New("no size token in title")
	// ErrInvalidDate is returned when a release date matches none of the known layouts.
	ErrInvalidDate = errors.New("invalid release date")
)

// ParseError reports a feed article field that could not be parsed.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Article is a raw feed item as reported by the torrent client.
type Article struct {
	Title      string `json:"title"`
	Date       string `json:"date"`
	TorrentURL string `json:"torrentURL"`
	Link       string `json:"link"`
}

// Feed is one fetch of a feed, including the client's readiness flags.
type Feed struct {
	IsLoading bool
	HasError  bool
	Articles  []Article
}

// Candidate is a parsed feed item. Identity and ordering use ReleaseTime only.
type Candidate struct {
	Title       string
	ReleaseTime time.Time
	ByteSize    int64
	Link        string
}

// releaseLayouts lists accepted date layouts, the first being the one the feed normally uses.
var releaseLayouts = []string{
	"02 Jan 2006 15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
}

var titleSizePattern = regexp.MustCompile(`\[(\d+\.\d+ (?:TB|GB|MB|KB|B))\]$`)

var sizeTokenPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?) ?([A-Za-z]*)$`)

var unitMultipliers = map[string]float64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// NewCandidate parses an article. Any failure is a *ParseError and the article must be dropped.
func NewCandidate(a Article) (Candidate, error) {
	released, err := ParseReleaseTime(a.Date)
	if err != nil {
		return Candidate{}, &ParseError{Field: "date", Value: a.Date, Err: err}
	}
	size, err := SizeFromTitle(a.Title)
	if err != nil {
		return Candidate{}, &ParseError{Field: "title", Value: a.Title, Err: err}
	}
	link := a.TorrentURL
	if link == "" {
		link = a.Link
	}
	return Candidate{
		Title:       a.Title,
		ReleaseTime: released,
		ByteSize:    size,
		Link:        link,
	}, nil
}

// ParseReleaseTime parses a timezone-aware feed date.
func ParseReleaseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range releaseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidDate
}

// SizeFromTitle extracts and parses the trailing "[1.50 GB]" token of a title.
func SizeFromTitle(title string) (int64, error) {
	m := titleSizePattern.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return 0, ErrNoSizeToken
	}
	return ParseSize(m[1])
}

// ParseSize converts a human readable size ("700.00 MB") to bytes using base 1024.
// Values in plain B are already bytes.
func ParseSize(token string) (int64, error) {
	m := sizeTokenPattern.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, token)
	}
	mult, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidSize, m[2])
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	bytes := value * mult
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, token)
	}
	return int64(bytes), nil
}

// Equal reports whether both candidates were released at the same instant.
func (c Candidate) Equal(o Candidate) bool {
	return c.ReleaseTime.Equal(o.ReleaseTime)
}

// Before orders candidates chronologically.
func (c Candidate) Before(o Candidate) bool {
	return c.ReleaseTime.Before(o.ReleaseTime)
}

// InfoHash returns the hex info hash when Link is a magnet URI.
func (c Candidate) InfoHash() (string, bool) {
	if !strings.HasPrefix(c.Link, "magnet:") {
		return "", false
	}
	m, err := metainfo.ParseMagnetUri(c.Link)
	if err != nil {
		return "", false
	}
	return m.InfoHash.HexString(), true
}
