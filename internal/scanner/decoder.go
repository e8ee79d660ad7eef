package scanner

import "time"

const (
	DefaultGap       = 50 * time.Millisecond
	DefaultMinLength = 4
)

// KeyEvent is one key press from the focused input. Enter terminates a scan.
type KeyEvent struct {
	Char  rune
	Enter bool
	At    time.Time
}

type Token struct {
	Value string    `json:"token"`
	At    time.Time `json:"timestamp"`
}

type Config struct {
	// Gap is the longest pause between two characters of one scan.
	Gap time.Duration
	// MinLength drops shorter bursts as accidental key presses.
	MinLength int
}

func (c Config) withDefaults() Config {
	if c.Gap <= 0 {
		c.Gap = DefaultGap
	}
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinLength
	}
	return c
}

// Decoder segments a key stream into scan tokens. It is not safe for
// concurrent use; Listener owns one per input.
type Decoder struct {
	cfg  Config
	buf  []rune
	last time.Time
}

func NewDecoder(cfg Config) *Decoder {
	return &Decoder{cfg: cfg.withDefaults()}
}

// Feed consumes one event and returns any tokens it completed.
func (d *Decoder) Feed(ev KeyEvent) []Token {
	var out []Token
	if len(d.buf) > 0 && ev.At.Sub(d.last) > d.cfg.Gap {
		if t, ok := d.flush(d.last); ok {
			out = append(out, t)
		}
	}
	if ev.Enter {
		if t, ok := d.flush(ev.At); ok {
			out = append(out, t)
		}
		return out
	}
	d.buf = append(d.buf, ev.Char)
	d.last = ev.At
	return out
}

// Idle flushes the buffer when now is past the gap since the last character.
func (d *Decoder) Idle(now time.Time) (Token, bool) {
	if len(d.buf) == 0 || now.Sub(d.last) <= d.cfg.Gap {
		return Token{}, false
	}
	return d.flush(d.last)
}

// Flush ends the current burst regardless of timing.
func (d *Decoder) Flush() (Token, bool) { return d.flush(d.last) }

func (d *Decoder) Pending() int { return len(d.buf) }

func (d *Decoder) flush(at time.Time) (Token, bool) {
	if len(d.buf) == 0 {
		return Token{}, false
	}
	v := string(d.buf)
	n := len(d.buf)
	d.buf = d.buf[:0]
	if n < d.cfg.MinLength {
		return Token{}, false
	}
	return Token{Value: v, At: at}, true
}
