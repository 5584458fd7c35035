package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mobilityone/whatsagent/pkg/gateway"
	"github.com/mobilityone/whatsagent/pkg/observability"
)

// StateWaitingEmail marks a sender we have greeted and expect an email from.
const StateWaitingEmail = "WAITING_EMAIL"

const (
	statePrefix = "onboarding:"
	stateTTL    = 15 * time.Minute
)

// Replies of the onboarding state machine, verbatim from the production bot.
const (
	welcomeMessage = "👋 Dobrodošli u MobilityOne AI!\n\n" +
		"Nisam prepoznao vaš broj. Za početak, molim upišite vašu službenu **e-mail adresu** radi identifikacije."
	invalidEmailMessage = "Neispravan format e-maila. Molim pokušajte ponovo."
)

// personLookup is the directory operation validating an email against the
// Mobility API.
var personLookup = gateway.Operation{
	ID:     "GetPersonData",
	Method: "GET",
	Path:   "/PersonData/{personIdOrEmail}",
}

// Directory validates a person against the remote API. *gateway.Client
// satisfies it.
type Directory interface {
	Execute(ctx context.Context, op gateway.Operation, params map[string]interface{}) map[string]interface{}
}

// Mapper persists phone-to-identity mappings. *Store satisfies it.
type Mapper interface {
	GetActiveIdentity(ctx context.Context, phone string) (*Identity, error)
	UpsertMapping(ctx context.Context, phone, apiIdentity, displayName string) error
}

// Onboarding is the registration state machine for unknown senders.
type Onboarding struct {
	kv        *redis.Client
	store     Mapper
	directory Directory
	logger    *slog.Logger
}

// NewOnboarding builds the state machine over its three collaborators.
func NewOnboarding(kv *redis.Client, store Mapper, directory Directory) *Onboarding {
	return &Onboarding{
		kv:        kv,
		store:     store,
		directory: directory,
		logger:    slog.Default().With("component", "onboarding"),
	}
}

// Handle advances the state machine one step for an unknown sender and
// returns the reply to enqueue. First contact sends the welcome prompt and
// arms the 15-minute WAITING_EMAIL state; subsequent messages are treated as
// email submissions.
func (o *Onboarding) Handle(ctx context.Context, sender, text string) (string, error) {
	key := statePrefix + sender

	state, err := o.kv.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read onboarding state: %w", err)
	}

	if state != StateWaitingEmail {
		if err := o.kv.SetEx(ctx, key, StateWaitingEmail, stateTTL).Err(); err != nil {
			return "", fmt.Errorf("arm onboarding state: %w", err)
		}
		return welcomeMessage, nil
	}

	if !strings.Contains(text, "@") || len(text) < 5 {
		return invalidEmailMessage, nil
	}

	email := strings.ToLower(strings.TrimSpace(text))
	o.logger.Info("Validating identity", "email", observability.MaskRecipient(email))

	profile := o.directory.Execute(ctx, personLookup, map[string]interface{}{
		"personIdOrEmail": email,
	})
	if truthy(profile["error"]) {
		o.logger.Warn("Remote validation returned error",
			"email", observability.MaskRecipient(email), "response", profile)
		return notFoundMessage(text), nil
	}

	// Defensive field parsing: the API has renamed its email key before.
	validEmail := firstString(profile, "Email", "ContactEmail", "email")
	if validEmail == "" {
		o.logger.Error("Validation response missing email field", "keys", keysOf(profile))
		return notFoundMessage(text), nil
	}
	name := firstString(profile, "FirstName", "Name")
	if name == "" {
		name = "Korisnik"
	}

	if err := o.store.UpsertMapping(ctx, sender, validEmail, name); err != nil {
		return "", err
	}
	if err := o.kv.Del(ctx, key).Err(); err != nil {
		o.logger.Warn("Onboarding state cleanup failed", "error", err)
	}

	o.logger.Info("Sender onboarded", "sender", observability.MaskRecipient(sender))
	return fmt.Sprintf("✅ Povezano! Pozdrav %s, vaš račun je potvrđen. Kako mogu pomoći?", name), nil
}

func notFoundMessage(input string) string {
	return fmt.Sprintf("❌ E-mail '%s' nije pronađen u sustavu. Molim provjerite točnost.", input)
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func keysOf(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
