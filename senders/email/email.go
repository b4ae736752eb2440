package email

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var (
	//go:embed availability.html
	availabilityHTML     string
	availabilityTemplate = template.Must(template.New("availability.html").Funcs(template.FuncMap{
		"longdate":  longDate,
		"shortdate": shortDate,
	}).Parse(availabilityHTML))
)

const bookingURL = "https://www.recreation.gov/camping/campgrounds/%s"

func mustFillTemplate(tmpl *template.Template, values any) string {
	buf := new(strings.Builder)
	err := tmpl.Execute(buf, values)
	if err != nil {
		return ""
	}
	return buf.String()
}

func longDate(t time.Time) string  { return t.UTC().Format("January 2, 2006") }
func shortDate(t time.Time) string { return t.UTC().Format("01/02") }

type Night struct {
	Date      time.Time
	Available int
	Total     int
}

// AvailabilityFormat renders the "a site opened up" notification.
type AvailabilityFormat struct {
	CampgroundID   string
	CampgroundName string
	CheckIn        time.Time
	CheckOut       time.Time
	Nights         []Night
}

func (f *AvailabilityFormat) Name() string {
	if f.CampgroundName != "" {
		return f.CampgroundName
	}
	return "Campground " + f.CampgroundID
}

func (f *AvailabilityFormat) BookingURL() string {
	return fmt.Sprintf(bookingURL, f.CampgroundID)
}

// FewestAvailable is the number of sites open on the tightest night.
func (f *AvailabilityFormat) FewestAvailable() int {
	fewest := 0
	for i, n := range f.Nights {
		if i == 0 || n.Available < fewest {
			fewest = n.Available
		}
	}
	return fewest
}

func (f *AvailabilityFormat) Subject() string {
	return fmt.Sprintf("Campsite available: %s (%s - %s)", f.Name(), shortDate(f.CheckIn), shortDate(f.CheckOut))
}

func (f *AvailabilityFormat) Body() string {
	return mustFillTemplate(availabilityTemplate, f)
}

// SMS is the short form, kept under a single text message where possible.
func (f *AvailabilityFormat) SMS() string {
	return fmt.Sprintf(
		"%d+ campsites available at %s for %s-%s! Book at %s -Campwatch",
		f.FewestAvailable(), f.Name(), shortDate(f.CheckIn), shortDate(f.CheckOut), f.BookingURL(),
	)
}
