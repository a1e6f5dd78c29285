package resource

import (
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// SpaceFilter holds the optional get_spaces filters. Each field is
// independently present or absent.
type SpaceFilter struct {
	Date      *string `json:"date"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
}

// Window is a validated availability window.
type Window struct {
	Start time.Time
	End   time.Time
}

// Complete reports whether all three filter fields are present and non-empty.
// Partial filters are ignored.
func (f SpaceFilter) Complete() bool {
	return nonEmpty(f.Date) && nonEmpty(f.StartTime) && nonEmpty(f.EndTime)
}

// Window parses the filter into a time window. It returns ok=false for an
// incomplete filter and an ErrValidation-wrapped error for malformed input.
func (f SpaceFilter) Window() (Window, bool, error) {
	if !f.Complete() {
		return Window{}, false, nil
	}
	day, err := time.Parse(dateLayout, *f.Date)
	if err != nil {
		return Window{}, false, errBadFormat()
	}
	start, err := time.Parse(timeLayout, *f.StartTime)
	if err != nil {
		return Window{}, false, errBadFormat()
	}
	end, err := time.Parse(timeLayout, *f.EndTime)
	if err != nil {
		return Window{}, false, errBadFormat()
	}
	w := Window{
		Start: day.Add(time.Duration(start.Hour())*time.Hour + time.Duration(start.Minute())*time.Minute),
		End:   day.Add(time.Duration(end.Hour())*time.Hour + time.Duration(end.Minute())*time.Minute),
	}
	if !w.End.After(w.Start) {
		return Window{}, false, domain.Invalid("End time must be after start time")
	}
	return w, true, nil
}

// Key returns a stable cache key fragment for the filter.
func (f SpaceFilter) Key() string {
	if !f.Complete() {
		return "all"
	}
	return *f.Date + "T" + *f.StartTime + "-" + *f.EndTime
}

func errBadFormat() error {
	return domain.Invalid("Invalid date/time format. Use YYYY-MM-DD for date and HH:MM for time")
}

func nonEmpty(s *string) bool { return s != nil && *s != "" }
