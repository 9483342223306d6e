package markethours

import "time"

// nseHolidays maps "YYYY-MM-DD" (IST) to the NSE trading holiday on that
// date. Entries marked tentative follow the exchange's provisional list.
var nseHolidays = map[string]string{
	"2026-01-26": "Republic Day",
	"2026-02-17": "Mahashivratri",
	"2026-03-14": "Holi",
	"2026-03-31": "Id-ul-Fitr",
	"2026-04-02": "Ram Navami",
	"2026-04-06": "Mahavir Jayanti",
	"2026-04-10": "Good Friday",
	"2026-04-14": "Dr. Ambedkar Jayanti",
	"2026-05-01": "Maharashtra Day",
	"2026-06-07": "Bakri Id",
	"2026-07-06": "Muharram",
	"2026-08-15": "Independence Day",
	"2026-08-16": "Janmashtami",
	"2026-09-05": "Milad-un-Nabi",
	"2026-10-02": "Mahatma Gandhi Jayanti",
	"2026-10-20": "Dussehra",
	"2026-10-21": "Dussehra (tentative)",
	"2026-11-05": "Diwali Laxmi Pujan (tentative)",
	"2026-11-06": "Diwali Balipratipada (tentative)",
	"2026-11-07": "Bhai Dooj (tentative)",
	"2026-11-19": "Guru Nanak Jayanti",
	"2026-12-25": "Christmas",
}

// Holiday returns the name of the NSE holiday on t's IST date.
func Holiday(t time.Time) (string, bool) {
	name, ok := nseHolidays[t.In(IST).Format("2006-01-02")]
	return name, ok
}

// IsHoliday reports whether t's IST date is an NSE holiday.
func IsHoliday(t time.Time) bool {
	_, ok := Holiday(t)
	return ok
}

// ClosedReason explains why t's IST date is not a trading day, or returns
// "" when it is one.
func ClosedReason(t time.Time) string {
	ist := t.In(IST)
	if name, ok := Holiday(ist); ok {
		return "NSE holiday: " + name
	}
	if !IsWeekday(ist) {
		return "weekend: " + ist.Weekday().String()
	}
	return ""
}
