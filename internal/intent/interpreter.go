package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/waterlab/envchat/internal/storage"
)

// Intent is the structured reading of a user message. The zero value means
// no structured intent was detected and only semantic document search applies.
type Intent struct {
	Measurement bool
	DataType    string
	Location    string
	Start       time.Time
	End         time.Time
}

// HasDateRange reports whether the intent carries a parsed date range.
func (it Intent) HasDateRange() bool {
	return !it.Start.IsZero() && !it.End.IsZero()
}

// Interpreter parses free-text messages into measurement-query intents using
// keyword and pattern matching. It is pure: the same message (and clock)
// always yields the same intent. The rule throughout is precision over
// recall: an ambiguous message yields no structured intent rather than a
// wrong query that silently returns irrelevant data.
type Interpreter struct {
	now func() time.Time
}

// NewInterpreter creates an Interpreter using the wall clock for relative
// date expressions.
func NewInterpreter() *Interpreter {
	return &Interpreter{now: time.Now}
}

// NewInterpreterAt creates an Interpreter with a fixed clock, for tests.
func NewInterpreterAt(now func() time.Time) *Interpreter {
	return &Interpreter{now: now}
}

// dataTypeKeywords maps query vocabulary to observation data types.
// Order matters only for determinism; conflicts are resolved below.
var dataTypeKeywords = []struct {
	keyword  string
	dataType string
}{
	{"수질", storage.DataWaterQuality},
	{"water quality", storage.DataWaterQuality},
	{"녹조", storage.DataAlgae},
	{"조류", storage.DataAlgae},
	{"algae", storage.DataAlgae},
	{"수문", storage.DataHydrology},
	{"유량", storage.DataHydrology},
	{"hydrology", storage.DataHydrology},
	{"기상", storage.DataWeather},
	{"날씨", storage.DataWeather},
	{"온도", storage.DataWeather},
	{"강수", storage.DataWeather},
	{"습도", storage.DataWeather},
	{"weather", storage.DataWeather},
}

// knownLocations are monitoring sites and regions recognized without a
// suffix. Names with an administrative or hydrological suffix are matched
// by pattern instead.
var knownLocations = []string{
	"서울", "부산", "인천", "대구", "대전", "광주", "울산", "세종", "제주",
	"한강", "낙동강", "금강", "영산강", "섬진강",
	"팔당호", "소양호", "대청호", "충주호",
}

var (
	// The base needs at least two syllables: common nouns like 온도 or
	// 정도 end in an administrative suffix but are never place names.
	koreanLocationRE  = regexp.MustCompile(`[가-힣]{2,}(?:시|도|구|동|리|호수|강|하천)`)
	englishLocationRE = regexp.MustCompile(`[A-Za-z]+\s?(?:Lake|River|Station)`)

	yearMonthRangeRE = regexp.MustCompile(`(\d{4})년\s*(\d{1,2})월부터\s*(\d{1,2})월까지`)
	yearMonthRE      = regexp.MustCompile(`(\d{4})년\s*(\d{1,2})월`)
	pastYearsRE      = regexp.MustCompile(`과거\s*(\d+)\s*년`)
	recentDaysRE     = regexp.MustCompile(`최근\s*(\d+)\s*일`)
	isoDateRE        = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// Interpret parses the message into an Intent. A message mentioning two
// different data types is ambiguous and yields no structured intent.
func (p *Interpreter) Interpret(message string) Intent {
	dataType, conflict := p.parseDataType(message)
	if conflict {
		return Intent{}
	}

	location := p.parseLocation(message)
	start, end := p.parseDateRange(message)

	if dataType == "" && location == "" && start.IsZero() {
		return Intent{}
	}

	return Intent{
		Measurement: true,
		DataType:    dataType,
		Location:    location,
		Start:       start,
		End:         end,
	}
}

// parseDataType returns the recognized data type, or conflict=true when the
// message names more than one distinct type.
func (p *Interpreter) parseDataType(message string) (dataType string, conflict bool) {
	lower := strings.ToLower(message)
	for _, kw := range dataTypeKeywords {
		if !strings.Contains(lower, kw.keyword) {
			continue
		}
		if dataType != "" && dataType != kw.dataType {
			return "", true
		}
		dataType = kw.dataType
	}
	return dataType, false
}

func (p *Interpreter) parseLocation(message string) string {
	for _, loc := range knownLocations {
		if strings.Contains(message, loc) {
			return loc
		}
	}
	if m := koreanLocationRE.FindString(message); m != "" && !containsDataTypeKeyword(m) {
		return m
	}
	if m := englishLocationRE.FindString(message); m != "" {
		return m
	}
	return ""
}

// containsDataTypeKeyword reports whether s overlaps the measurement
// vocabulary. A candidate location built on a data-type keyword (수질오염도,
// 강수량) would query for a place that does not exist and return nothing.
func containsDataTypeKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range dataTypeKeywords {
		if strings.Contains(lower, kw.keyword) {
			return true
		}
	}
	return false
}

// parseDateRange extracts a [start, end] range from the message. The first
// matching pattern wins; both bounds are inclusive.
func (p *Interpreter) parseDateRange(message string) (time.Time, time.Time) {
	if m := yearMonthRangeRE.FindStringSubmatch(message); m != nil {
		year := atoi(m[1])
		fromMonth := atoi(m[2])
		toMonth := atoi(m[3])
		if validMonth(fromMonth) && validMonth(toMonth) && fromMonth <= toMonth {
			return monthStart(year, fromMonth), monthEnd(year, toMonth)
		}
	}
	if m := yearMonthRE.FindStringSubmatch(message); m != nil {
		year := atoi(m[1])
		month := atoi(m[2])
		if validMonth(month) {
			return monthStart(year, month), monthEnd(year, month)
		}
	}
	if m := pastYearsRE.FindStringSubmatch(message); m != nil {
		years := atoi(m[1])
		end := endOfDay(p.now().UTC())
		return end.AddDate(-years, 0, 0).Truncate(24 * time.Hour), end
	}
	if m := recentDaysRE.FindStringSubmatch(message); m != nil {
		days := atoi(m[1])
		end := endOfDay(p.now().UTC())
		return end.AddDate(0, 0, -days).Truncate(24 * time.Hour), end
	}
	if m := isoDateRE.FindStringSubmatch(message); m != nil {
		day := time.Date(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3]), 0, 0, 0, 0, time.UTC)
		return day, endOfDay(day)
	}
	return time.Time{}, time.Time{}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func validMonth(m int) bool {
	return m >= 1 && m <= 12
}

func monthStart(year, month int) time.Time {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
}

func monthEnd(year, month int) time.Time {
	return monthStart(year, month).AddDate(0, 1, 0).Add(-time.Second)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}
