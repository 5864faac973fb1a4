// Package feed publishes a finished episode as an RSS 2.0 podcast feed.
package feed

import (
	"encoding/xml"
	"fmt"
	"time"
)

const itunesNS = "http://www.itunes.com/dtds/podcast-1.0.dtd"

// Channel describes the show.
type Channel struct {
	Title       string
	Link        string
	Author      string
	Description string
	Language    string
	ImageURL    string
}

// Episode is one feed item.
type Episode struct {
	GUID        string
	Title       string
	Description string
	AudioURL    string
	AudioBytes  int64
	Duration    time.Duration
	Published   time.Time
	ImageURL    string
}

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Itunes  string   `xml:"xmlns:itunes,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title       string       `xml:"title"`
	Link        string       `xml:"link"`
	Description string       `xml:"description"`
	Language    string       `xml:"language"`
	PubDate     string       `xml:"pubDate,omitempty"`
	Generator   string       `xml:"generator"`
	Author      string       `xml:"itunes:author,omitempty"`
	Image       *itunesImage `xml:"itunes:image,omitempty"`
	Explicit    string       `xml:"itunes:explicit"`
	Items       []item       `xml:"item"`
}

type itunesImage struct {
	Href string `xml:"href,attr"`
}

type item struct {
	Title       string       `xml:"title"`
	Description string       `xml:"description"`
	GUID        guid         `xml:"guid"`
	PubDate     string       `xml:"pubDate"`
	Enclosure   enclosure    `xml:"enclosure"`
	Duration    string       `xml:"itunes:duration,omitempty"`
	Image       *itunesImage `xml:"itunes:image,omitempty"`
}

type guid struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

// Build renders the feed document.
func Build(ch Channel, episodes ...Episode) ([]byte, error) {
	lang := ch.Language
	if lang == "" {
		lang = "en-us"
	}
	doc := rss{
		Version: "2.0",
		Itunes:  itunesNS,
		Channel: channel{
			Title:       ch.Title,
			Link:        ch.Link,
			Description: ch.Description,
			Language:    lang,
			Generator:   "podcast-pipeline",
			Author:      ch.Author,
			Explicit:    "false",
		},
	}
	if ch.ImageURL != "" {
		doc.Channel.Image = &itunesImage{Href: ch.ImageURL}
	}
	for _, ep := range episodes {
		if ep.AudioURL == "" {
			return nil, fmt.Errorf("episode %q has no audio url", ep.GUID)
		}
		it := item{
			Title:       ep.Title,
			Description: ep.Description,
			GUID:        guid{Value: ep.GUID},
			PubDate:     ep.Published.UTC().Format(time.RFC1123Z),
			Enclosure:   enclosure{URL: ep.AudioURL, Length: ep.AudioBytes, Type: "audio/mpeg"},
			Duration:    formatDuration(ep.Duration),
		}
		if ep.ImageURL != "" {
			it.Image = &itunesImage{Href: ep.ImageURL}
		}
		doc.Channel.Items = append(doc.Channel.Items, it)
		if doc.Channel.PubDate == "" {
			doc.Channel.PubDate = it.PubDate
		}
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal feed: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}
