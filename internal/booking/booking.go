// Package booking provides the calendar collaborator used by the scheduling skills.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrSlotUnavailable is returned when a slot is taken, in the past or off the grid.
var ErrSlotUnavailable = errors.New("slot unavailable")

// Service is the booking collaborator contract.
type Service interface {
	ListSlots(ctx context.Context) ([]time.Time, error)
	Book(ctx context.Context, participantID, name string, at time.Time) error
}

// Booking is a reservation held by the calendar.
type Booking struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name"`
	At            time.Time `json:"at"`
}

// Calendar defaults.
const (
	DefaultOpenHour  = 9
	DefaultCloseHour = 18
	DefaultSlotLen   = time.Hour
	DefaultOffered   = 3
	DefaultHorizon   = 14 // days
)

// Opts holds configuration for the Calendar.
type Opts struct {
	Location  *time.Location
	OpenHour  int
	CloseHour int
	SlotLen   time.Duration
	Offered   int
	Horizon   int
}

// Option defines a configuration option for the Calendar.
type Option func(*Opts)

// WithLocation sets the time zone business hours are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithBusinessHours sets the first and the closing hour of each working day.
func WithBusinessHours(open, close int) Option {
	return func(o *Opts) {
		o.OpenHour = open
		o.CloseHour = close
	}
}

// WithSlotLength sets the length of one appointment slot.
func WithSlotLength(d time.Duration) Option {
	return func(o *Opts) { o.SlotLen = d }
}

// WithOffered sets how many free slots ListSlots returns.
func WithOffered(n int) Option {
	return func(o *Opts) { o.Offered = n }
}

// Calendar is an in-process weekday calendar. Slots start the next day so a
// participant always has time to pay before the appointment.
type Calendar struct {
	mu     sync.Mutex
	cfg    Opts
	now    func() time.Time
	booked map[int64]Booking
}

// NewCalendar creates an empty calendar.
func NewCalendar(opts ...Option) *Calendar {
	cfg := Opts{
		Location:  time.Local,
		OpenHour:  DefaultOpenHour,
		CloseHour: DefaultCloseHour,
		SlotLen:   DefaultSlotLen,
		Offered:   DefaultOffered,
		Horizon:   DefaultHorizon,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SlotLen <= 0 {
		cfg.SlotLen = DefaultSlotLen
	}
	if cfg.CloseHour <= cfg.OpenHour {
		cfg.OpenHour, cfg.CloseHour = DefaultOpenHour, DefaultCloseHour
	}
	return &Calendar{cfg: cfg, now: time.Now, booked: make(map[int64]Booking)}
}

// ListSlots returns the next free slots in chronological order.
func (c *Calendar) ListSlots(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Time
	for _, slot := range c.gridLocked() {
		if _, taken := c.booked[slot.Unix()]; taken {
			continue
		}
		out = append(out, slot)
		if len(out) == c.cfg.Offered {
			break
		}
	}
	return out, nil
}

// Book reserves at for the participant. Rebooking the participant's own slot succeeds.
func (c *Calendar) Book(ctx context.Context, participantID, name string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.onGridLocked(at) {
		return fmt.Errorf("%w: %s is not an open slot", ErrSlotUnavailable, at.Format(time.RFC3339))
	}
	if existing, taken := c.booked[at.Unix()]; taken && existing.ParticipantID != participantID {
		return fmt.Errorf("%w: %s already booked", ErrSlotUnavailable, at.Format(time.RFC3339))
	}
	c.booked[at.Unix()] = Booking{ParticipantID: participantID, Name: name, At: at}
	slog.Info("Calendar.Book: slot booked", "participantID", participantID, "at", at)
	return nil
}

// Bookings returns every reservation ordered by time.
func (c *Calendar) Bookings() []Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Booking, 0, len(c.booked))
	for _, b := range c.booked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// gridLocked enumerates every bookable slot within the horizon.
func (c *Calendar) gridLocked() []time.Time {
	now := c.now().In(c.cfg.Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.cfg.Location).AddDate(0, 0, 1)
	var grid []time.Time
	for d := 0; d < c.cfg.Horizon; d++ {
		day := start.AddDate(0, 0, d)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		open := day.Add(time.Duration(c.cfg.OpenHour) * time.Hour)
		closing := day.Add(time.Duration(c.cfg.CloseHour) * time.Hour)
		for t := open; !t.Add(c.cfg.SlotLen).After(closing); t = t.Add(c.cfg.SlotLen) {
			grid = append(grid, t)
		}
	}
	return grid
}

func (c *Calendar) onGridLocked(at time.Time) bool {
	for _, slot := range c.gridLocked() {
		if slot.Equal(at) {
			return true
		}
	}
	return false
}

var weekdays = map[string][7]string{
	"it": {"domenica", "lunedì", "martedì", "mercoledì", "giovedì", "venerdì", "sabato"},
	"en": {"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
	"es": {"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"},
	"fr": {"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"},
	"de": {"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag"},
}

// FormatSlot renders a slot for a reply, e.g. "giovedì 23/10 ore 10:00".
func FormatSlot(t time.Time, lang string) string {
	names, ok := weekdays[lang]
	if !ok {
		names = weekdays["en"]
	}
	at := map[string]string{"it": "ore", "en": "at", "es": "a las", "fr": "à", "de": "um"}[lang]
	if at == "" {
		at = "at"
	}
	return fmt.Sprintf("%s %s %s %s", names[t.Weekday()], t.Format("02/01"), at, t.Format("15:04"))
}

// FormatList renders numbered slots, one per line.
func FormatList(slots []time.Time, lang string) string {
	lines := make([]string, len(slots))
	for i, s := range slots {
		lines[i] = fmt.Sprintf("%d) %s", i+1, FormatSlot(s, lang))
	}
	return strings.Join(lines, "\n")
}

// EncodeSlots stores slots in a context slot value.
func EncodeSlots(slots []time.Time) string {
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = s.Format(time.RFC3339)
	}
	return strings.Join(parts, ",")
}

// DecodeSlots reads a value written by EncodeSlots, skipping malformed entries.
func DecodeSlots(v string) []time.Time {
	var out []time.Time
	for _, p := range strings.Split(v, ",") {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(p)); err == nil {
			out = append(out, t)
		}
	}
	return out
}
