package timepolicy

import (
	"fmt"
	"strings"
	"time"
)

var weekdayNames = map[string][7]string{
	"es": {"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"},
	"en": {"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
}

var monthNames = map[string][12]string{
	"es": {"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"},
	"en": {"January", "February", "March", "April", "May", "June", "July", "August", "September", "October", "November", "December"},
}

// WeekdayName returns the weekday in locale, falling back to Spanish.
func WeekdayName(d time.Weekday, locale string) string {
	names, ok := weekdayNames[locale]
	if !ok {
		names = weekdayNames["es"]
	}
	return names[d]
}

// WeekdayNames returns all weekday spellings known for any locale, lower-cased,
// mapped to their weekday. Accent-free Spanish spellings are included.
func WeekdayNames() map[string]time.Weekday {
	out := make(map[string]time.Weekday, 21)
	for _, names := range weekdayNames {
		for i, n := range names {
			lower := strings.ToLower(n)
			out[lower] = time.Weekday(i)
			out[stripAccents(lower)] = time.Weekday(i)
		}
	}
	return out
}

// MonthNames returns all month spellings known for any locale, lower-cased,
// mapped to their month.
func MonthNames() map[string]time.Month {
	out := make(map[string]time.Month, 24)
	for _, names := range monthNames {
		for i, n := range names {
			out[strings.ToLower(n)] = time.Month(i + 1)
		}
	}
	return out
}

// Render formats t as a human date in locale.
func Render(t time.Time, locale string) string {
	months, ok := monthNames[locale]
	if !ok {
		locale = "es"
		months = monthNames[locale]
	}
	day := WeekdayName(t.Weekday(), locale)
	if locale == "en" {
		return fmt.Sprintf("%s, %s %d, %d, %s", day, months[t.Month()-1], t.Day(), t.Year(), t.Format("15:04"))
	}
	return fmt.Sprintf("%s %d de %s de %d, %s", day, t.Day(), months[t.Month()-1], t.Year(), t.Format("15:04"))
}

// RenderDate formats a calendar date without the clock.
func RenderDate(t time.Time, locale string) string {
	months, ok := monthNames[locale]
	if !ok {
		locale = "es"
		months = monthNames[locale]
	}
	day := WeekdayName(t.Weekday(), locale)
	if locale == "en" {
		return fmt.Sprintf("%s, %s %d, %d", day, months[t.Month()-1], t.Day(), t.Year())
	}
	return fmt.Sprintf("%s %d de %s de %d", day, t.Day(), months[t.Month()-1], t.Year())
}

var accentReplacer = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u")

func stripAccents(s string) string {
	return accentReplacer.Replace(s)
}
