package tools

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"mizan-engine/internal/models"
)

const TimeCalcTool = "time_calc"

type City struct {
	Name      string
	Latitude  float64
	Longitude float64
	Zone      string
}

var cities = map[string]City{
	"mecca":        {"Mecca", 21.4225, 39.8262, "Asia/Riyadh"},
	"makkah":       {"Mecca", 21.4225, 39.8262, "Asia/Riyadh"},
	"medina":       {"Medina", 24.4672, 39.6112, "Asia/Riyadh"},
	"riyadh":       {"Riyadh", 24.7136, 46.6753, "Asia/Riyadh"},
	"cairo":        {"Cairo", 30.0444, 31.2357, "Africa/Cairo"},
	"istanbul":     {"Istanbul", 41.0082, 28.9784, "Europe/Istanbul"},
	"amman":        {"Amman", 31.9454, 35.9284, "Asia/Amman"},
	"dubai":        {"Dubai", 25.2048, 55.2708, "Asia/Dubai"},
	"karachi":      {"Karachi", 24.8607, 67.0011, "Asia/Karachi"},
	"dhaka":        {"Dhaka", 23.8103, 90.4125, "Asia/Dhaka"},
	"jakarta":      {"Jakarta", -6.2088, 106.8456, "Asia/Jakarta"},
	"kuala lumpur": {"Kuala Lumpur", 3.1390, 101.6869, "Asia/Kuala_Lumpur"},
	"lagos":        {"Lagos", 6.5244, 3.3792, "Africa/Lagos"},
	"london":       {"London", 51.5074, -0.1278, "Europe/London"},
	"paris":        {"Paris", 48.8566, 2.3522, "Europe/Paris"},
	"new york":     {"New York", 40.7128, -74.0060, "America/New_York"},
	"toronto":      {"Toronto", 43.6532, -79.3832, "America/Toronto"},
}

const defaultCity = "mecca"

// CalculationMethod holds the twilight angles of a prayer time convention. A positive
// IshaMinutes replaces the isha angle with a fixed delay after maghrib.
type CalculationMethod struct {
	Name        string
	FajrAngle   float64
	IshaAngle   float64
	IshaMinutes float64
}

var methods = map[string]CalculationMethod{
	"mwl":     {"Muslim World League", 18, 17, 0},
	"isna":    {"ISNA", 15, 15, 0},
	"egypt":   {"Egyptian General Authority", 19.5, 17.5, 0},
	"makkah":  {"Umm al-Qura", 18.5, 0, 90},
	"karachi": {"University of Islamic Sciences, Karachi", 18, 18, 0},
}

var prayerNames = []string{"fajr", "sunrise", "dhuhr", "asr", "maghrib", "isha"}

var (
	isoDate     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	prayerWord  = regexp.MustCompile(`(?i)\b(fajr|sunrise|dhuhr|zuhr|asr|maghrib|isha)\b`)
	hijriWord   = regexp.MustCompile(`(?i)\bhijri\b`)
	daysBetween = regexp.MustCompile(`(?i)\bdays\s+(until|between|till)\b`)
)

type PrayerTimes struct {
	City      string            `json:"city"`
	Date      string            `json:"date"`
	Timezone  string            `json:"timezone"`
	Method    string            `json:"method"`
	AsrFactor float64           `json:"asr_factor"`
	Times     map[string]string `json:"times"`
	Requested string            `json:"requested,omitempty"`
	Notes     []string          `json:"notes,omitempty"`
}

type HijriDate struct {
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Day       int    `json:"day"`
	MonthName string `json:"month_name"`
}

func (h HijriDate) String() string {
	return fmt.Sprintf("%d %s %d AH", h.Day, h.MonthName, h.Year)
}

type TimeCalcResult struct {
	Operation string       `json:"operation"`
	Prayer    *PrayerTimes `json:"prayer_times,omitempty"`
	Gregorian string       `json:"gregorian,omitempty"`
	Hijri     *HijriDate   `json:"hijri,omitempty"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Days      int          `json:"days,omitempty"`
}

type TimeTool struct{}

func NewTimeTool() *TimeTool { return &TimeTool{} }

func (t *TimeTool) Name() string { return TimeCalcTool }

func (t *TimeTool) DeclaredDependencies() []string { return nil }

func (t *TimeTool) TTL() time.Duration { return 12 * time.Hour }

// CacheKey includes the resolved date so "today" never reuses yesterday's times.
func (t *TimeTool) CacheKey(params map[string]any, tctx ToolContext) string {
	return models.HashKey(TimeCalcTool, params, t.date(params, tctx).Format("2006-01-02"))
}

func (t *TimeTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{}
	lowered := strings.ToLower(clause)

	dates := isoDate.FindAllString(clause, 2)
	switch {
	case daysBetween.MatchString(clause):
		params["operation"] = "days"
		if len(dates) > 0 {
			params["to"] = dates[len(dates)-1]
		}
		if len(dates) > 1 {
			params["from"] = dates[0]
		}
		return params
	case hijriWord.MatchString(clause):
		params["operation"] = "hijri"
	default:
		params["operation"] = "prayer_times"
		if m := prayerWord.FindStringSubmatch(clause); m != nil {
			prayer := strings.ToLower(m[1])
			if prayer == "zuhr" {
				prayer = "dhuhr"
			}
			params["prayer"] = prayer
		}
		for key := range cities {
			if regexp.MustCompile(`\b` + key + `\b`).MatchString(lowered) {
				params["city"] = key
				break
			}
		}
		if strings.Contains(lowered, "hanafi") {
			params["asr_factor"] = 2.0
		}
		for key := range methods {
			if strings.Contains(lowered, key+" method") {
				params["method"] = key
			}
		}
	}
	if len(dates) > 0 {
		params["date"] = dates[0]
	}
	return params
}

func (t *TimeTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	var result TimeCalcResult
	switch op := stringParam(params, "operation"); op {
	case "", "prayer_times":
		times, err := t.prayerTimes(params, tctx)
		if err != nil {
			return nil, err
		}
		result = TimeCalcResult{Operation: "prayer_times", Prayer: times}
	case "hijri":
		date := t.date(params, tctx)
		hijri := GregorianToHijri(date)
		result = TimeCalcResult{Operation: "hijri", Gregorian: date.Format("2006-01-02"), Hijri: &hijri}
	case "days":
		to, err := parseDateParam(params, "to")
		if err != nil {
			return nil, err
		}
		from := t.today(tctx)
		if raw := stringParam(params, "from"); raw != "" {
			if from, err = parseDateParam(params, "from"); err != nil {
				return nil, err
			}
		}
		result = TimeCalcResult{
			Operation: "days",
			From:      from.Format("2006-01-02"),
			To:        to.Format("2006-01-02"),
			Days:      DaysBetween(from, to),
		}
	default:
		return nil, models.ErrInvalidParameters.WithMetadata("operation", op)
	}
	return models.NewSuccessResult(TimeCalcTool, result, 1.0)
}

func (t *TimeTool) prayerTimes(params map[string]any, tctx ToolContext) (*PrayerTimes, error) {
	var notes []string
	cityKey := strings.ToLower(stringParam(params, "city"))
	if cityKey == "" {
		cityKey = defaultCity
		notes = append(notes, "no city given; times are for Mecca")
	}
	city, ok := cities[cityKey]
	if !ok {
		return nil, models.ErrInvalidParameters.WithMetadata("city", cityKey)
	}

	methodKey := stringParam(params, "method")
	if methodKey == "" {
		methodKey = "mwl"
	}
	method, ok := methods[methodKey]
	if !ok {
		return nil, models.ErrInvalidParameters.WithMetadata("method", methodKey)
	}

	asrFactor := 1.0
	if f, ok := floatParam(params, "asr_factor"); ok && (f == 1 || f == 2) {
		asrFactor = f
	}

	loc, err := time.LoadLocation(city.Zone)
	if err != nil {
		return nil, models.NewInternalError("TIMEZONE", "unknown timezone "+city.Zone).WithCause(err)
	}
	date := t.date(params, tctx)
	times := ComputePrayerTimes(date, city.Latitude, city.Longitude, loc, method, asrFactor)

	formatted := make(map[string]string, len(times))
	for _, name := range prayerNames {
		if at, ok := times[name]; ok {
			formatted[name] = at.Format("15:04")
		} else {
			notes = append(notes, name+" cannot be computed at this latitude and date")
		}
	}

	return &PrayerTimes{
		City:      city.Name,
		Date:      date.Format("2006-01-02"),
		Timezone:  city.Zone,
		Method:    method.Name,
		AsrFactor: asrFactor,
		Times:     formatted,
		Requested: stringParam(params, "prayer"),
		Notes:     notes,
	}, nil
}

func (t *TimeTool) date(params map[string]any, tctx ToolContext) time.Time {
	if raw := stringParam(params, "date"); raw != "" {
		if date, err := time.Parse("2006-01-02", raw); err == nil {
			return date
		}
	}
	return t.today(tctx)
}

func (t *TimeTool) today(tctx ToolContext) time.Time {
	now := tctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDateParam(params map[string]any, key string) (time.Time, error) {
	raw := stringParam(params, key)
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, models.ErrInvalidParameters.WithMetadata(key, raw)
	}
	return date, nil
}

// ComputePrayerTimes uses the standard solar position approximation. Times that do not
// occur (high latitudes in summer) are left out of the map.
func ComputePrayerTimes(date time.Time, lat, lng float64, loc *time.Location, method CalculationMethod, asrFactor float64) map[string]time.Time {
	noonLocal := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, loc)
	_, offset := noonLocal.Zone()
	tz := float64(offset) / 3600

	jd := julianDay(date.Year(), int(date.Month()), date.Day()) - lng/(15*24)
	decl, eqt := sunPosition(jd + 0.5)

	dhuhr := 12 + tz - lng/15 - eqt
	hours := map[string]float64{"dhuhr": dhuhr}

	if d, ok := hourAngle(0.833, lat, decl); ok {
		hours["sunrise"] = dhuhr - d
		hours["maghrib"] = dhuhr + d
	}
	if d, ok := hourAngle(method.FajrAngle, lat, decl); ok {
		hours["fajr"] = dhuhr - d
	}
	if method.IshaMinutes > 0 {
		if maghrib, ok := hours["maghrib"]; ok {
			hours["isha"] = maghrib + method.IshaMinutes/60
		}
	} else if d, ok := hourAngle(method.IshaAngle, lat, decl); ok {
		hours["isha"] = dhuhr + d
	}
	if d, ok := asrHourAngle(asrFactor, lat, decl); ok {
		hours["asr"] = dhuhr + d
	}

	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	times := make(map[string]time.Time, len(hours))
	for name, h := range hours {
		minutes := math.Round(h * 60)
		times[name] = midnight.Add(time.Duration(minutes) * time.Minute)
	}
	return times
}

func julianDay(year, month, day int) float64 {
	if month <= 2 {
		year--
		month += 12
	}
	a := math.Floor(float64(year) / 100)
	b := 2 - a + math.Floor(a/4)
	return math.Floor(365.25*float64(year+4716)) + math.Floor(30.6001*float64(month+1)) + float64(day) + b - 1524.5
}

// sunPosition returns the declination in degrees and the equation of time in hours.
func sunPosition(jd float64) (float64, float64) {
	d := jd - 2451545.0
	g := fixAngle(357.529 + 0.98560028*d)
	q := fixAngle(280.459 + 0.98564736*d)
	l := fixAngle(q + 1.915*dsin(g) + 0.020*dsin(2*g))
	e := 23.439 - 0.00000036*d

	ra := darctan2(dcos(e)*dsin(l), dcos(l)) / 15
	eqt := q/15 - fixHour(ra)
	decl := darcsin(dsin(e) * dsin(l))
	return decl, eqt
}

func hourAngle(angle, lat, decl float64) (float64, bool) {
	cosH := (-dsin(angle) - dsin(decl)*dsin(lat)) / (dcos(decl) * dcos(lat))
	if cosH < -1 || cosH > 1 || math.IsNaN(cosH) {
		return 0, false
	}
	return darccos(cosH) / 15, true
}

func asrHourAngle(factor, lat, decl float64) (float64, bool) {
	altitude := -darccot(factor + dtan(math.Abs(lat-decl)))
	return hourAngle(altitude, lat, decl)
}

var hijriMonths = []string{
	"Muharram", "Safar", "Rabi al-Awwal", "Rabi al-Thani", "Jumada al-Ula", "Jumada al-Akhirah",
	"Rajab", "Shaban", "Ramadan", "Shawwal", "Dhu al-Qadah", "Dhu al-Hijjah",
}

// GregorianToHijri converts with the tabular (arithmetical) calendar. Observed
// calendars can differ by a day or two.
func GregorianToHijri(date time.Time) HijriDate {
	jdn := julianDayNumber(date.Year(), int(date.Month()), date.Day())

	l := jdn - 1948440 + 10632
	n := (l - 1) / 10631
	l = l - 10631*n + 354
	j := ((10985-l)/5316)*((50*l)/17719) + (l/5670)*((43*l)/15238)
	l = l - ((30-j)/15)*((17719*j)/50) - (j/16)*((15238*j)/43) + 29
	month := (24 * l) / 709
	day := l - (709*month)/24
	year := 30*n + j - 30

	return HijriDate{Year: year, Month: month, Day: day, MonthName: hijriMonths[month-1]}
}

func julianDayNumber(year, month, day int) int {
	a := (14 - month) / 12
	y := year + 4800 - a
	m := month + 12*a - 3
	return day + (153*m+2)/5 + 365*y + y/4 - y/100 + y/400 - 32045
}

// DaysBetween counts calendar days from a to b; negative when b is earlier.
func DaysBetween(a, b time.Time) int {
	return julianDayNumber(b.Year(), int(b.Month()), b.Day()) - julianDayNumber(a.Year(), int(a.Month()), a.Day())
}

func dsin(d float64) float64        { return math.Sin(d * math.Pi / 180) }
func dcos(d float64) float64        { return math.Cos(d * math.Pi / 180) }
func dtan(d float64) float64        { return math.Tan(d * math.Pi / 180) }
func darcsin(x float64) float64     { return math.Asin(x) * 180 / math.Pi }
func darccos(x float64) float64     { return math.Acos(x) * 180 / math.Pi }
func darccot(x float64) float64     { return math.Atan(1/x) * 180 / math.Pi }
func darctan2(y, x float64) float64 { return math.Atan2(y, x) * 180 / math.Pi }

func fixAngle(a float64) float64 { return fix(a, 360) }
func fixHour(a float64) float64  { return fix(a, 24) }

func fix(a, b float64) float64 {
	a = a - b*math.Floor(a/b)
	if a < 0 {
		a += b
	}
	return a
}
