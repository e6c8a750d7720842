package util

import (
	"embed"
	"encoding/base32"
	"net/http"
	"strings"
	"time"

	"github.com/replicate/go/httpclient"
	"github.com/replicate/go/must"
	"github.com/replicate/go/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var idEncoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// PredictionID returns a random lowercase id. The bytes of a v7 UUID are
// interleaved so ids created close together do not share a prefix.
func PredictionID() string {
	u := must.Get(uuid.NewV7())
	b := make([]byte, uuid.Size)
	for i := range 4 {
		b[4*i] = u[i+12]
		b[4*i+1] = u[i+4]
		b[4*i+2] = u[i]
		b[4*i+3] = u[i+8]
	}
	return idEncoding.EncodeToString(b)
}

// TimeLayout is ISO 8601 with microseconds and a numeric UTC offset.
const TimeLayout = "2006-01-02T15:04:05.999999-07:00"

func NowIso() string {
	return FormatTime(time.Now())
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(t string) (time.Time, error) {
	return time.Parse(TimeLayout, t)
}

// Wildcard match in case version.txt is not generated yet
//
//go:embed *
var embedFS embed.FS

func Version() string {
	bs, err := embedFS.ReadFile("version.txt")
	if err != nil {
		return "0.0.0+unknown"
	}
	return strings.TrimSpace(string(bs))
}

// HTTPClientWithRetry returns a client that retries transient failures and
// propagates trace context on outgoing requests.
func HTTPClientWithRetry() *http.Client {
	c := httpclient.ApplyRetryPolicy(&http.Client{})
	c.Transport = otelhttp.NewTransport(c.Transport)
	return c
}
