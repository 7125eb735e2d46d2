// Package interceptor stamps outgoing requests with anti-replay and
// authentication headers.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrijs2005/apicore/internal/client/models"
	"github.com/dmitrijs2005/apicore/internal/common"
	"github.com/google/uuid"
)

// ErrNotAuthenticated is returned when a call requires auth and no access
// token is stored. It is raised before any network I/O.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource yields the current access token. It returns
// common.ErrNoCredential when the user is signed out.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Interceptor struct {
	tokens TokenSource
	now    func() time.Time
}

func New(tokens TokenSource) *Interceptor {
	return &Interceptor{tokens: tokens, now: time.Now}
}

// Intercept adds the request id, nonce, timestamp, accept and content-type
// headers and, when requiresAuth is set, the bearer token. It returns the
// token it attached ("" when unauthenticated) so callers can tell later
// whether the session changed underneath them.
func (i *Interceptor) Intercept(ctx context.Context, req *http.Request, requiresAuth bool) (string, error) {
	var token string
	if requiresAuth {
		t, err := i.tokens.AccessToken(ctx)
		switch {
		case errors.Is(err, common.ErrNoCredential) || (err == nil && t == ""):
			return "", ErrNotAuthenticated
		case err != nil:
			return "", fmt.Errorf("read access token: %w", err)
		}
		token = t
	}

	nonce, err := common.NewNonce()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	h := req.Header
	h.Set(common.HeaderRequestID, uuid.NewString())
	h.Set(common.HeaderNonce, nonce)
	h.Set(common.HeaderTimestamp, strconv.FormatInt(i.now().Unix(), 10))
	h.Set(common.HeaderAccept, common.ContentTypeJSON)

	if models.Method(req.Method).Mutating() && req.Body != nil && req.Body != http.NoBody {
		h.Set(common.HeaderContentType, common.ContentTypeJSON)
	}
	if token != "" {
		h.Set(common.HeaderAuthorization, "Bearer "+token)
	}

	return token, nil
}
