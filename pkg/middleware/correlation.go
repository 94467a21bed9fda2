package middleware

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"time"

	"github.com/loadline/gatekeeper/pkg/contextkeys"
	"github.com/loadline/gatekeeper/pkg/observability"
)

// CorrelationHeader is the header correlation ids travel in, both
// directions
const CorrelationHeader = "X-Correlation-Id"

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// correlationIDPattern matches `cid-<unix millis>-<9 base36 chars>`.
// Anything else from the caller is replaced, never trusted.
var correlationIDPattern = regexp.MustCompile(`^cid-\d+-[a-z0-9]{9}$`)

// Correlation tags every request with a correlation id: the caller's when
// it is well formed, a fresh one otherwise. The id is echoed on the
// response and bound into the request context and logger.
type Correlation struct {
	logger *observability.Logger
}

// NewCorrelation creates the correlation middleware
func NewCorrelation(logger *observability.Logger) *Correlation {
	return &Correlation{logger: logger}
}

// Handler wraps an HTTP handler with correlation tagging
func (m *Correlation) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationHeader)
		if !ValidCorrelationID(cid) {
			regenerated := NewCorrelationID()
			if cid != "" {
				m.logger.WithFields(map[string]interface{}{
					"received":     cid,
					"replaced_by":  regenerated,
					"remote_addr":  r.RemoteAddr,
					"request_path": r.URL.Path,
				}).Warn("Malformed correlation id replaced")
			}
			cid = regenerated
		}

		w.Header().Set(CorrelationHeader, cid)

		// observability.FromContext adds the id to the logger on read,
		// so enrichment further down the chain cannot duplicate it
		ctx := contextkeys.WithCorrelationID(r.Context(), cid)
		ctx = contextkeys.WithLogger(ctx, m.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidCorrelationID reports whether a caller-supplied id is usable
func ValidCorrelationID(cid string) bool {
	return correlationIDPattern.MatchString(cid)
}

// NewCorrelationID generates `cid-<unix millis>-<9 random base36 chars>`
func NewCorrelationID() string {
	suffix := make([]byte, 9)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// fall back to a fixed character rather than panic
			suffix[i] = '0'
			continue
		}
		suffix[i] = base36Alphabet[n.Int64()]
	}
	return fmt.Sprintf("cid-%d-%s", time.Now().UnixMilli(), suffix)
}
