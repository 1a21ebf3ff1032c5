package proxy

import (
	"errors"
	"io"
	stdlog "log"
	"net"
	"os"

	"github.com/rafalfr/fragproxy/utils"
)

// errorDetailMaxLen bounds how much of an error detail string lands in the
// error log line.
const errorDetailMaxLen = 256

// Logger routes access and error records to their own files. Either sink
// can be nil, in which case records for it are dropped. It uses the
// standard library's *log.Logger rather than golibs/log because golibs/log
// is a single process-wide sink; the access and error streams need two
// independent files.
type Logger struct {
	access *stdlog.Logger
	errlog *stdlog.Logger
	stats  *StatsSink
}

// NewLogger opens accessPath and errorPath (creating them if needed) and
// returns a Logger writing to both. Either path may be empty to discard
// that stream. stats, if non-nil, has its error counter incremented once
// per error record, so errors logged from outside a ConnectionCore still
// count.
func NewLogger(accessPath, errorPath string, stats *StatsSink) (*Logger, error) {
	l := &Logger{stats: stats}

	if accessPath != "" {
		f, err := os.OpenFile(accessPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.access = stdlog.New(f, "", 0)
	}

	if errorPath != "" {
		f, err := os.OpenFile(errorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.errlog = stdlog.New(f, "", stdlog.LstdFlags)
	}

	return l, nil
}

// Access writes one access-log record, already formatted as
// "<start_time> <src_ip> <method> <dst_domain> <bytes_in> <bytes_out>".
func (l *Logger) Access(line string) {
	if l.access != nil {
		l.access.Print(line)
	}
}

// Error writes one error-log record, formatted "<domain> : <detail>", and
// increments the associated StatsSink's error counter.
func (l *Logger) Error(domain, detail string) {
	if l.errlog != nil {
		l.errlog.Printf("%s : %s", domain, utils.ShortText(detail, errorDetailMaxLen))
	}
	if l.stats != nil {
		l.stats.IncError()
	}
}

// classifyRelayErr reports whether err is an ordinary, expected relay
// termination (peer closed, timeout) as opposed to a genuine failure: the
// relay loops end constantly via io.EOF/net.ErrClosed and those should
// never be logged at error level.
func classifyRelayErr(err error) (expected bool) {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
