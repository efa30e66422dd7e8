package panel

import (
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const dateLayout = "02/01/2006"

// Formatter renders amounts, dates and ages for one locale.
type Formatter struct {
	printer *message.Printer
	now     func() time.Time
}

func NewFormatter(locale string, now func() time.Time) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	if now == nil {
		now = time.Now
	}
	return &Formatter{printer: message.NewPrinter(tag), now: now}
}

// Amount groups digits per locale, e.g. "1,250.00 USD".
func (f *Formatter) Amount(amount float64, currency string) string {
	return f.printer.Sprintf("%.2f %s", amount, currency)
}

// Date renders t as DD/MM/YYYY.
func (f *Formatter) Date(t time.Time) string {
	return t.Format(dateLayout)
}

// Age renders how long ago t was, e.g. "3 hours ago".
func (f *Formatter) Age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, f.now(), "ago", "from now")
}
