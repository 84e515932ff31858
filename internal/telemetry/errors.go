package telemetry

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/cache"
	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/irfndi/botfleet-go/internal/notify"
)

var (
	// "28.11 14:03:22.512: ..." (day.month, millisecond clock, current
	// year inferred).
	errTimeRe = regexp.MustCompile(`^(\d{2})\.(\d{2})\s+(\d{2}):(\d{2}):(\d{2})\.(\d{3}):\s*`)
	errCodeRe = regexp.MustCompile(`\[(-?\d+)\]`)
)

// ErrorProcessor appends one ApiError row per reported error line. The
// time prefix, symbol token and [code] are each optional.
type ErrorProcessor struct {
	writer Submitter
	users  *cache.UserCache
	pub    notify.Publisher
}

func NewErrorProcessor(writer Submitter, users *cache.UserCache, pub notify.Publisher) *ErrorProcessor {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &ErrorProcessor{writer: writer, users: users, pub: pub}
}

func (p *ErrorProcessor) Process(ctx context.Context, serverID int64, botName string, lines []string) error {
	now := time.Now().UTC()
	appended := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		row := ParseErrorLine(line, now)
		row.ServerID = serverID
		row.BotName = botName
		row.ReceivedAt = now
		if err := p.writer.Submit(batch.TableApiError, batch.OpInsert, row); err != nil {
			return err
		}
		appended++
	}
	if appended > 0 {
		p.notifyErrors(ctx, serverID, appended)
	}
	return nil
}

func (p *ErrorProcessor) notifyErrors(ctx context.Context, serverID int64, count int) {
	if p.users == nil {
		return
	}
	userID, err := p.users.UserIDForServer(ctx, serverID)
	if err != nil {
		return
	}
	_ = p.pub.Publish(ctx, userID, notify.Event{
		Kind:     notify.EventApiErrors,
		ServerID: serverID,
		Payload:  map[string]any{"count": count},
	})
}

// ParseErrorLine extracts the optional time prefix, symbol and [code]
// from one error string. The raw line is always kept verbatim.
func ParseErrorLine(line string, now time.Time) *models.ApiError {
	row := &models.ApiError{ErrorText: line}
	rest := line

	if m := errTimeRe.FindStringSubmatch(rest); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		hour, _ := strconv.Atoi(m[3])
		minute, _ := strconv.Atoi(m[4])
		sec, _ := strconv.Atoi(m[5])
		ms, _ := strconv.Atoi(m[6])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			t := time.Date(now.Year(), time.Month(month), day, hour, minute, sec, ms*int(time.Millisecond), time.UTC)
			// A December line arriving in January belongs to last year.
			if t.After(now.Add(24 * time.Hour)) {
				t = t.AddDate(-1, 0, 0)
			}
			row.ErrorTime = &t
		}
		rest = rest[len(m[0]):]
	}

	codeAt := len(rest)
	if m := errCodeRe.FindStringSubmatchIndex(rest); m != nil {
		codeAt = m[0]
		if code, err := strconv.Atoi(rest[m[2]:m[3]]); err == nil {
			row.ErrorCode = &code
		}
	}

	row.Symbol = firstSymbolToken(rest[:codeAt])
	return row
}

// firstSymbolToken returns the first all-uppercase token that looks like
// a market symbol.
func firstSymbolToken(s string) string {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,;:()")
		if len(tok) < 2 || len(tok) > 20 {
			continue
		}
		hasLetter := false
		valid := true
		for _, c := range tok {
			switch {
			case c >= 'A' && c <= 'Z':
				hasLetter = true
			case c >= '0' && c <= '9':
			default:
				valid = false
			}
			if !valid {
				break
			}
		}
		if valid && hasLetter {
			return tok
		}
	}
	return ""
}
