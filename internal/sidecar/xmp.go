// Package sidecar writes XMP sidecar files carrying the analysis result and
// user edits of a group, so photo managers pick them up next to the originals.
package sidecar

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"

	"scenegrouper/internal/models"
)

const (
	nsX         = "adobe:ns:meta/"
	nsRDF       = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	nsDC        = "http://purl.org/dc/elements/1.1/"
	nsPhotoshop = "http://ns.adobe.com/photoshop/1.0/"
	nsIptcCore  = "http://iptc.org/std/Iptc4xmpCore/1.0/xmlns/"
	nsExif      = "http://ns.adobe.com/exif/1.0/"
)

// Prefixed names are written literally; encoding/xml would otherwise
// redeclare a default namespace on every element.
type xmpMeta struct {
	XMLName xml.Name `xml:"x:xmpmeta"`
	NSX     string   `xml:"xmlns:x,attr"`
	RDF     rdf      `xml:"rdf:RDF"`
}

type rdf struct {
	NSRDF       string      `xml:"xmlns:rdf,attr"`
	Description description `xml:"rdf:Description"`
}

type description struct {
	About       string `xml:"rdf:about,attr"`
	NSDC        string `xml:"xmlns:dc,attr"`
	NSPhotoshop string `xml:"xmlns:photoshop,attr"`
	NSIptcCore  string `xml:"xmlns:Iptc4xmpCore,attr"`
	NSExif      string `xml:"xmlns:exif,attr"`

	City         string `xml:"photoshop:City,attr,omitempty"`
	State        string `xml:"photoshop:State,attr,omitempty"`
	Country      string `xml:"photoshop:Country,attr,omitempty"`
	Location     string `xml:"Iptc4xmpCore:Location,attr,omitempty"`
	GPSLatitude  string `xml:"exif:GPSLatitude,attr,omitempty"`
	GPSLongitude string `xml:"exif:GPSLongitude,attr,omitempty"`

	Title       *langAlt `xml:"dc:title,omitempty"`
	Description *langAlt `xml:"dc:description,omitempty"`
	Subject     *bag     `xml:"dc:subject,omitempty"`
}

type langAlt struct {
	Alt struct {
		Li langItem `xml:"rdf:li"`
	} `xml:"rdf:Alt"`
}

type langItem struct {
	Lang  string `xml:"xml:lang,attr"`
	Value string `xml:",chardata"`
}

type bag struct {
	Items []string `xml:"rdf:Bag>rdf:li"`
}

func newLangAlt(s string) *langAlt {
	if s == "" {
		return nil
	}
	l := &langAlt{}
	l.Alt.Li = langItem{Lang: "x-default", Value: s}
	return l
}

// Fields are the values written to one sidecar
type Fields struct {
	Title       string
	Description string
	Keywords    []string
	City        string
	State       string
	Country     string
	Location    string
	GPS         *models.GPS
}

// Merge combines a group's analysis result with one cluster's edits.
// Keywords are the result's followed by the cluster's, without
// case-insensitive repeats. Coordinates on the cluster win.
func Merge(c *models.Cluster, res *models.AnalysisResult) Fields {
	f := Fields{GPS: c.GPS}
	var keywords []string
	if res != nil {
		f.Title = res.Title
		f.Description = res.Description
		if f.Description == "" {
			f.Description = res.Caption
		}
		f.City, f.State, f.Country = res.City, res.State, res.Country
		f.Location = res.SpecificLocation
		keywords = append(keywords, res.Keywords...)
		if f.GPS == nil {
			f.GPS = res.GPS
		}
	}
	keywords = append(keywords, c.Keywords...)
	keywords = lo.Filter(keywords, func(k string, _ int) bool { return strings.TrimSpace(k) != "" })
	f.Keywords = lo.UniqBy(keywords, strings.ToLower)
	return f
}

// Marshal renders f as an XMP packet
func Marshal(f Fields) ([]byte, error) {
	d := description{
		NSDC:        nsDC,
		NSPhotoshop: nsPhotoshop,
		NSIptcCore:  nsIptcCore,
		NSExif:      nsExif,
		City:        f.City,
		State:       f.State,
		Country:     f.Country,
		Location:    f.Location,
		Title:       newLangAlt(f.Title),
		Description: newLangAlt(f.Description),
	}
	if len(f.Keywords) > 0 {
		d.Subject = &bag{Items: f.Keywords}
	}
	if f.GPS != nil {
		d.GPSLatitude = FormatCoordinate(f.GPS.Latitude, 'N', 'S')
		d.GPSLongitude = FormatCoordinate(f.GPS.Longitude, 'E', 'W')
	}

	doc := xmpMeta{NSX: nsX, RDF: rdf{NSRDF: nsRDF, Description: d}}

	var buf bytes.Buffer
	buf.WriteString("<?xpacket begin=\"\ufeff\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", " ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode XMP: %w", err)
	}
	buf.WriteString("\n<?xpacket end=\"w\"?>\n")
	return buf.Bytes(), nil
}

// FormatCoordinate renders decimal degrees in the XMP "DDD,MM.mmmmR" form
func FormatCoordinate(v float64, pos, neg byte) string {
	ref := pos
	if v < 0 {
		ref = neg
		v = -v
	}
	// Round on the minute scale so 59.99999 carries into the next degree
	totalMinutes := math.Round(v*60*10000) / 10000
	deg := math.Floor(totalMinutes / 60)
	minutes := totalMinutes - deg*60
	return fmt.Sprintf("%d,%07.4f%c", int(deg), minutes, ref)
}
