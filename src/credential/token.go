// Package credential resolves the ingest token once at startup
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/zalando/go-keyring"
)

// KeyringService is the service name token_secret_ref entries are stored under
const KeyringService = "nri-longquery"

// ErrNoToken is returned when none of the configured sources holds a token
var ErrNoToken = errors.New("no ingest token could be resolved")

// TokenSource records where the token came from so it can be logged without the token
type TokenSource string

// Token sources in lookup order
const (
	SourceEnv     TokenSource = "env"
	SourceKeyring TokenSource = "keyring"
	SourceLiteral TokenSource = "literal"
)

// Resolve returns the first token found among the environment variable named by
// token_env_var, the OS credential store entry named by token_secret_ref and the token literal
func Resolve(al *args.ArgumentList) (string, TokenSource, error) {
	if al.TokenEnvVar != "" {
		if v := strings.TrimSpace(os.Getenv(al.TokenEnvVar)); v != "" {
			return v, SourceEnv, nil
		}
		log.Debug("Environment variable %s is empty", al.TokenEnvVar)
	}

	if al.TokenSecretRef != "" {
		v, err := keyring.Get(KeyringService, al.TokenSecretRef)
		switch {
		case err == nil && strings.TrimSpace(v) != "":
			return strings.TrimSpace(v), SourceKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			log.Warn("Could not read %s from the credential store: %s", al.TokenSecretRef, err.Error())
		default:
			log.Debug("Credential store has no entry %s", al.TokenSecretRef)
		}
	}

	if al.Token != "" {
		log.Warn("Using the token literal from the configuration, prefer token_env_var or token_secret_ref")
		return al.Token, SourceLiteral, nil
	}

	return "", "", fmt.Errorf("%w: checked token_env_var=%q token_secret_ref=%q", ErrNoToken, al.TokenEnvVar, al.TokenSecretRef)
}
