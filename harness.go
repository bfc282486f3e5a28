package msgbus

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/time/rate"
)

// HarnessConfig is the shared command line of the example programs. The
// flags mirror the conventional broker sample switches: -cip for the host,
// -cu for user[@vpn], -cp for the password.
type HarnessConfig struct {
	Host     string
	Username string
	Password string
	VPN      string

	Topic string
	Queue string

	Count    int
	Rate     float64
	Duration time.Duration
	Window   uint
	Retries  int
	Durable  bool
	Replay   string

	Compression int
	UseTLS      bool
	LogLevel    string
}

// ParseHarnessFlags parses the shared example flags from args (normally
// os.Args[1:]).
func ParseHarnessFlags(name string, args []string) (*HarnessConfig, error) {
	h := &HarnessConfig{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var user string
	fs.StringVar(&h.Host, "cip", "tcp://127.0.0.1:55555", "broker address (scheme://host:port)")
	fs.StringVar(&user, "cu", "", "client username, optionally user@vpn")
	fs.StringVar(&h.Password, "cp", "", "client password")
	fs.StringVar(&h.Topic, "topic", "sample/topic", "topic to publish or subscribe on")
	fs.StringVar(&h.Queue, "queue", "sample_queue", "queue endpoint name")
	fs.IntVar(&h.Count, "n", 10, "number of messages")
	fs.Float64Var(&h.Rate, "r", 0, "publish rate in messages/second (0 = unpaced)")
	fs.DurationVar(&h.Duration, "t", 10*time.Second, "run duration for subscribers")
	fs.UintVar(&h.Window, "w", DefaultWindowSize, "publisher window size")
	fs.IntVar(&h.Retries, "cr", 3, "reconnect retries (-1 = forever, 0 = off)")
	fs.BoolVar(&h.Durable, "d", false, "bind to a durable endpoint")
	fs.StringVar(&h.Replay, "R", "", `replay location: "BEGINNING" or an RFC 3339 time`)
	fs.IntVar(&h.Compression, "z", 0, "compression level 0-9")
	fs.BoolVar(&h.UseTLS, "tls", false, "force TLS on the connection")
	fs.StringVar(&h.LogLevel, "log", "info", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if user != "" {
		if at := strings.IndexByte(user, '@'); at >= 0 {
			h.Username, h.VPN = user[:at], user[at+1:]
		} else {
			h.Username = user
		}
	}
	return h, nil
}

// SessionConfig builds the session configuration from the parsed flags.
func (h *HarnessConfig) SessionConfig() SessionConfig {
	return SessionConfig{
		Host:             h.Host,
		Username:         h.Username,
		Password:         h.Password,
		VPN:              h.VPN,
		UseTLS:           h.UseTLS,
		CompressionLevel: h.Compression,
		ReconnectRetries: h.Retries,
	}
}

// Logger builds a stderr logger at the configured level.
func (h *HarnessConfig) Logger() Logger {
	return NewStdLogger(os.Stderr, ParseLogLevel(h.LogLevel))
}

// Limiter returns a publish pacer for the -r flag, or nil when unpaced.
func (h *HarnessConfig) Limiter() *rate.Limiter {
	if h.Rate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(h.Rate), 1)
}

// ReplayOption translates the -R flag into a flow bind option. Returns
// nil when no replay was requested.
func (h *HarnessConfig) ReplayOption() (FlowOption, error) {
	switch h.Replay {
	case "":
		return nil, nil
	case "BEGINNING":
		return WithReplayAll(), nil
	default:
		at, err := time.Parse(time.RFC3339, h.Replay)
		if err != nil {
			return nil, fmt.Errorf("replay location %q: %w", h.Replay, err)
		}
		return WithReplayFrom(at), nil
	}
}

// SignalContext returns a context cancelled by SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Example output helpers, colorized when stdout is a terminal. Errors go
// to stdout as well: the example programs report handled errors there and
// exit zero.
var (
	harnessOut io.Writer = color.Output

	harnessInfo  = color.New(color.FgGreen)
	harnessWarn  = color.New(color.FgYellow)
	harnessError = color.New(color.FgRed)
	harnessEvent = color.New(color.FgCyan)
)

// Infof prints a green status line.
func Infof(format string, args ...any) {
	harnessInfo.Fprintf(harnessOut, format+"\n", args...)
}

// Warnf prints a yellow warning line.
func Warnf(format string, args ...any) {
	harnessWarn.Fprintf(harnessOut, format+"\n", args...)
}

// Errorf prints a red error line.
func Errorf(format string, args ...any) {
	harnessError.Fprintf(harnessOut, format+"\n", args...)
}

// Eventf prints a cyan event line.
func Eventf(format string, args ...any) {
	harnessEvent.Fprintf(harnessOut, format+"\n", args...)
}

// Describe renders a message summary for example output.
func Describe(msg *Message) string {
	dest, _ := msg.Destination()
	var body string
	switch msg.BodyKind() {
	case BodyMap:
		body = fmt.Sprintf("map[%d fields]", msg.MapBody().Len())
	case BodyStream:
		body = fmt.Sprintf("stream[%d fields]", msg.StreamBody().Len())
	default:
		body = fmt.Sprintf("%q", msg.Payload())
	}
	summary := fmt.Sprintf("%s %s %s", dest, msg.DeliveryMode(), body)
	if msg.Redelivered() {
		summary += " (redelivered)"
	}
	return summary
}
