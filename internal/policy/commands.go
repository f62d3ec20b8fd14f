package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

// CheckCommandAllowed gates a command path ("op execute", "keeper run")
// against an operator allowlist. An empty allowlist allows everything.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == path || strings.HasPrefix(path, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command "+path+" is not in the enabled command list")
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
