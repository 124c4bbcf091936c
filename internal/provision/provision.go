// Package provision implements the gateway's lazy provisioning protocol:
// classify a caller into an access tier against a target remote database and,
// on the missing path, create the database, the user account, and the
// membership grant.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// ErrValidation is returned when a provisioning request is missing one of
// its three required fields. Surfaced to the caller, never retried.
var ErrValidation = errors.New("username, password and db are required")

// StepError identifies which provisioning step failed on the missing path.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return "provisioning step " + e.Step + " failed: " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Request is one provisioning call: the caller's credential pair and the
// database it wants access to.
type Request struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// AdminStore is the administrative view of the remote service the
// provisioner writes through.
type AdminStore interface {
	DBExists(ctx context.Context, db string) (bool, error)
	UserExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, username, password string) error
	CreateDB(ctx context.Context, db string) error
	SetMembers(ctx context.Context, db string, usernames []string) error
}

// CallerProbe checks whether the caller's own credentials authenticate
// against the target database.
type CallerProbe func(ctx context.Context, creds remote.Credentials, db string) (bool, error)

// Service classifies provisioning requests and performs the missing-path
// creation sequence. The sequence is idempotent: a second identical call
// short-circuits at the caller probe.
type Service struct {
	admin AdminStore
	probe CallerProbe
}

// NewService builds a Service on a remote client holding administrative
// credentials. Caller probes derive a client with the caller's credentials
// against the same endpoint.
func NewService(admin *remote.Client) *Service {
	return &Service{
		admin: admin,
		probe: func(ctx context.Context, creds remote.Credentials, db string) (bool, error) {
			return admin.WithCredentials(creds).DBExists(ctx, db)
		},
	}
}

// NewServiceWith wires explicit collaborators. Tests use it to count writes.
func NewServiceWith(admin AdminStore, probe CallerProbe) *Service {
	return &Service{admin: admin, probe: probe}
}

// Provision runs the tier classification and, when the database is missing,
// the creation sequence. The returned tier is:
//
//   - TierAllowed: the caller already authenticates; zero writes performed.
//   - TierDenied: the database exists but the caller lacks rights; zero
//     writes performed. Granting access is the caller's decision, not ours.
//   - TierMissing: the database did not exist; user, database, and
//     membership were all created. A non-nil error means one of those steps
//     failed and identifies which.
func (s *Service) Provision(ctx context.Context, req Request) (models.AccessTier, error) {
	if req.Username == "" || req.Password == "" || req.DB == "" {
		return "", ErrValidation
	}

	// Step 1 — the caller's own credentials.
	creds := remote.Credentials{Username: req.Username, Password: req.Password}
	ok, err := s.probe(ctx, creds, req.DB)
	if err == nil && ok {
		return models.TierAllowed, nil
	}
	if err != nil && !errors.Is(err, remote.ErrUnauthorized) {
		return "", &StepError{Step: "caller probe", Err: err}
	}
	// An auth failure here is classification input, not a hard failure.
	log.Debug().Str("db", req.DB).Str("user", req.Username).Msg("caller probe negative")

	// Step 2 — the same probe with administrative credentials.
	exists, err := s.admin.DBExists(ctx, req.DB)
	if err != nil {
		return "", &StepError{Step: "admin probe", Err: err}
	}
	if exists {
		return models.TierDenied, nil
	}

	// Step 3 — missing: create user, database, membership.
	hasUser, err := s.admin.UserExists(ctx, req.Username)
	if err != nil {
		return models.TierMissing, &StepError{Step: "user lookup", Err: err}
	}
	if !hasUser {
		if err := s.admin.CreateUser(ctx, req.Username, req.Password); err != nil {
			return models.TierMissing, &StepError{Step: "user creation", Err: err}
		}
		log.Info().Str("user", req.Username).Msg("created remote user")
	}
	if err := s.admin.CreateDB(ctx, req.DB); err != nil {
		return models.TierMissing, &StepError{Step: "database creation", Err: err}
	}
	if err := s.admin.SetMembers(ctx, req.DB, []string{req.Username}); err != nil {
		return models.TierMissing, &StepError{Step: "member authorization", Err: err}
	}
	log.Info().Str("db", req.DB).Str("user", req.Username).Msg("provisioned database")
	return models.TierMissing, nil
}

// Describe renders a tier for logs and error bodies.
func Describe(tier models.AccessTier) string {
	switch tier {
	case models.TierAllowed:
		return "allowed"
	case models.TierDenied:
		return "denied"
	case models.TierMissing:
		return "missing"
	default:
		return fmt.Sprintf("unknown(%s)", string(tier))
	}
}
