package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
)

// Repo is the typed view over the core models used by the engine.
type Repo struct {
	Adapter Adapter
	now     func() time.Time
}

// NewRepo wraps an adapter. now defaults to time.Now.
func NewRepo(a Adapter, now func() time.Time) *Repo {
	if now == nil {
		now = time.Now
	}
	return &Repo{Adapter: a, now: now}
}

// WithTx returns a Repo bound to tx for the duration of fn.
func (r *Repo) WithTx(ctx context.Context, fn func(tx *Repo) error) error {
	return WithTx(ctx, r.Adapter, func(tx Adapter) error {
		return fn(&Repo{Adapter: tx, now: r.now})
	})
}

// CreateUser inserts a user, stamping its timestamps.
func (r *Repo) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := r.now()
	u.CreatedAt, u.UpdatedAt = now, now
	rec, err := r.Adapter.Create(ctx, ModelUser, userRecord(u))
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return UserFromRecord(rec), nil
}

func (r *Repo) UserByID(ctx context.Context, id string) (domain.User, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelUser, Eq("id", id))
	if err != nil {
		return domain.User{}, err
	}
	return UserFromRecord(rec), nil
}

func (r *Repo) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelUser, Eq("email", email))
	if err != nil {
		return domain.User{}, err
	}
	return UserFromRecord(rec), nil
}

// UpdateUser applies set to a user and bumps updated_at.
func (r *Repo) UpdateUser(ctx context.Context, id string, set Record) (domain.User, error) {
	set["updated_at"] = r.now()
	rec, err := r.Adapter.Update(ctx, ModelUser, []Where{Eq("id", id)}, set)
	if err != nil {
		return domain.User{}, err
	}
	return UserFromRecord(rec), nil
}

// CreateAccount links an identity to a user.
func (r *Repo) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	rec, err := r.Adapter.Create(ctx, ModelAccount, accountRecord(a))
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	return AccountFromRecord(rec), nil
}

// FindAccount finds the account of providerID with the provider-side id.
func (r *Repo) FindAccount(ctx context.Context, providerID, accountID string) (domain.Account, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelAccount, Eq("provider_id", providerID), Eq("account_id", accountID))
	if err != nil {
		return domain.Account{}, err
	}
	return AccountFromRecord(rec), nil
}

// UserAccount finds the account a user holds at providerID.
func (r *Repo) UserAccount(ctx context.Context, userID, providerID string) (domain.Account, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelAccount, Eq("user_id", userID), Eq("provider_id", providerID))
	if err != nil {
		return domain.Account{}, err
	}
	return AccountFromRecord(rec), nil
}

func (r *Repo) ListAccounts(ctx context.Context, userID string) ([]domain.Account, error) {
	recs, err := r.Adapter.FindMany(ctx, ModelAccount, Query{Where: []Where{Eq("user_id", userID)}, SortBy: "created_at"})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Account, len(recs))
	for i, rec := range recs {
		out[i] = AccountFromRecord(rec)
	}
	return out, nil
}

// UpdateAccount applies set to an account and bumps updated_at.
func (r *Repo) UpdateAccount(ctx context.Context, id string, set Record) (domain.Account, error) {
	set["updated_at"] = r.now()
	rec, err := r.Adapter.Update(ctx, ModelAccount, []Where{Eq("id", id)}, set)
	if err != nil {
		return domain.Account{}, err
	}
	return AccountFromRecord(rec), nil
}

// CreateSession inserts a session, stamping its timestamps.
func (r *Repo) CreateSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	now := r.now()
	s.CreatedAt, s.UpdatedAt = now, now
	rec, err := r.Adapter.Create(ctx, ModelSession, sessionRecord(s))
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return SessionFromRecord(rec), nil
}

// FindSession looks a session up by its cookie token.
func (r *Repo) FindSession(ctx context.Context, token string) (domain.Session, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelSession, Eq("token", token))
	if err != nil {
		return domain.Session{}, err
	}
	return SessionFromRecord(rec), nil
}

// ListSessions returns a user's sessions, oldest first.
func (r *Repo) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	recs, err := r.Adapter.FindMany(ctx, ModelSession, Query{Where: []Where{Eq("user_id", userID)}, SortBy: "created_at"})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, len(recs))
	for i, rec := range recs {
		out[i] = SessionFromRecord(rec)
	}
	return out, nil
}

// ExtendSession moves a session's expiry to expiresAt. ErrNotFound means the
// session was deleted in the meantime.
func (r *Repo) ExtendSession(ctx context.Context, token string, expiresAt time.Time) (domain.Session, error) {
	rec, err := r.Adapter.Update(ctx, ModelSession, []Where{Eq("token", token)},
		Set("expires_at", expiresAt, "updated_at", r.now()))
	if err != nil {
		return domain.Session{}, err
	}
	return SessionFromRecord(rec), nil
}

func (r *Repo) DeleteSession(ctx context.Context, token string) error {
	return r.Adapter.Delete(ctx, ModelSession, Eq("token", token))
}

// DeleteSessions removes the sessions with the given tokens.
func (r *Repo) DeleteSessions(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	return r.Adapter.DeleteMany(ctx, ModelSession, In("token", tokens...))
}

// DeleteUserSessions removes every session of a user except the listed
// tokens.
func (r *Repo) DeleteUserSessions(ctx context.Context, userID string, except ...string) (int, error) {
	where := []Where{Eq("user_id", userID)}
	if len(except) > 0 {
		where = append(where, NotIn("token", except...))
	}
	return r.Adapter.DeleteMany(ctx, ModelSession, where...)
}

// CreateVerification stores a single-use value under identifier.
func (r *Repo) CreateVerification(ctx context.Context, identifier, value string, expiresAt time.Time) (domain.Verification, error) {
	rec, err := r.Adapter.Create(ctx, ModelVerification, Record{
		"identifier": identifier,
		"value":      value,
		"expires_at": expiresAt,
		"created_at": r.now(),
	})
	if err != nil {
		return domain.Verification{}, fmt.Errorf("create verification: %w", err)
	}
	return VerificationFromRecord(rec), nil
}

// ConsumeVerification reads and deletes the value under identifier. Only one
// caller can consume a given value; the others get ErrNotFound. Expired
// values are deleted and reported as ErrNotFound.
func (r *Repo) ConsumeVerification(ctx context.Context, identifier string) (domain.Verification, error) {
	rec, err := r.Adapter.FindOne(ctx, ModelVerification, Eq("identifier", identifier))
	if err != nil {
		return domain.Verification{}, err
	}
	v := VerificationFromRecord(rec)
	n, err := r.Adapter.DeleteMany(ctx, ModelVerification, Eq("id", v.ID))
	if err != nil {
		return domain.Verification{}, err
	}
	if n != 1 || !r.now().Before(v.ExpiresAt) {
		return domain.Verification{}, ErrNotFound
	}
	return v, nil
}

// DeleteExpired removes rows of model whose field is before now.
func (r *Repo) DeleteExpired(ctx context.Context, model, field string) (int, error) {
	return r.Adapter.DeleteMany(ctx, model, Lt(field, r.now()))
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
