package executor

import (
	"strings"

	"github.com/google/uuid"
)

// newClientID mints a client order id that fits every venue's charset and
// length limits (okx caps at 32 alphanumerics).
func newClientID() string {
	return "sc" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
