package secret

import (
	"os"
	"regexp"
	"slices"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// MissingEnvError lists the ${VAR} references with no environment value.
type MissingEnvError struct {
	Names []string
}

func (e *MissingEnvError) Error() string {
	return "secret: missing required environment variables: " + strings.Join(e.Names, ", ")
}

// Is matches ErrMissingEnv.
func (e *MissingEnvError) Is(target error) bool { return target == ErrMissingEnv }

// ExpandEnvStrict expands environment variables in s.
//
// $VAR and ${VAR} are expanded with os.ExpandEnv, except that a ${VAR} whose
// variable is unset is a *MissingEnvError rather than an empty string. $$
// produces a literal $, which keeps passwords containing $ usable in DSNs.
func ExpandEnvStrict(s string) (string, error) {
	const dollar = "\x00TASKOPS_DOLLAR\x00"
	s = strings.ReplaceAll(s, "$$", dollar)

	var missing []string
	for _, match := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(match[1]); !ok && !slices.Contains(missing, match[1]) {
			missing = append(missing, match[1])
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", &MissingEnvError{Names: missing}
	}

	s = os.ExpandEnv(s)
	return strings.ReplaceAll(s, dollar, "$"), nil
}
