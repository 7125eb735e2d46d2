package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/client/models"
)

const refreshKey = "refresh"

var errRefreshRejected = errors.New("refresh token rejected")

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshAfter renews the session after stale was rejected. Callers that
// arrive while a refresh is running wait for it and share its result. When
// the stored token already differs from stale, someone else refreshed and
// nothing is sent.
func (c *Client) refreshAfter(ctx context.Context, stale string) error {
	if c.tokenChanged(ctx, stale) {
		c.metrics.Refreshes.WithLabelValues("skipped").Inc()
		return nil
	}

	ch := c.refresh.DoChan(refreshKey, func() (any, error) {
		// Detached so a caller giving up does not abort the shared refresh.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		if c.tokenChanged(rctx, stale) {
			c.metrics.Refreshes.WithLabelValues("skipped").Inc()
			return nil, nil
		}
		return nil, c.doRefresh(rctx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: %w", ErrTokenExpired, res.Err)
		}
		return nil
	}
}

// refreshIfStale refreshes ahead of time when the stored access token is a
// JWT past its exp. Only an explicit rejection by the server fails the
// call; other failures leave it to the 401 path.
func (c *Client) refreshIfStale(ctx context.Context) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil || !credentials.Expired(token, c.now(), c.leeway) {
		return nil
	}

	c.log.Debug(ctx, "access token expired locally, refreshing")
	err = c.refreshAfter(ctx, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errRefreshRejected), ctx.Err() != nil:
		return err
	default:
		c.log.Warn(ctx, "proactive refresh failed", "error", err)
		return nil
	}
}

func (c *Client) tokenChanged(ctx context.Context, stale string) bool {
	current, err := c.tokens.AccessToken(ctx)
	return err == nil && current != "" && current != stale
}

func (c *Client) doRefresh(ctx context.Context) error {
	c.log.Info(ctx, "refreshing access token")

	rt, err := c.tokens.RefreshToken(ctx)
	if err != nil {
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("read refresh token: %w", err)
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: rt})
	if err != nil {
		return err
	}

	ep := models.Endpoint{Path: c.refreshPath, Method: models.MethodPost}
	status, body, _, err := c.send(ctx, ep, payload)
	if err != nil {
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		c.log.Warn(ctx, "token refresh failed", "error", err)
		var prep *prepareError
		if errors.As(err, &prep) {
			return prep.err
		}
		return &NetworkError{Attempts: 1, Err: err}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		c.log.Warn(ctx, "refresh token rejected, clearing session", "status", status)
		if err := c.tokens.Clear(ctx); err != nil {
			c.log.Error(ctx, "failed to clear credentials", "error", err)
		}
		return errRefreshRejected
	case !successStatus(status):
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		return statusError(status, body)
	}

	var t credentials.Tokens
	if err := decode(body, &t); err != nil {
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		return err
	}
	if t.AccessToken == "" {
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		return &DecodingError{Err: errors.New("refresh response without access_token")}
	}
	if t.RefreshToken == "" {
		t.RefreshToken = rt
	}
	if err := c.tokens.Save(ctx, t); err != nil {
		c.metrics.Refreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("save refreshed tokens: %w", err)
	}

	c.metrics.Refreshes.WithLabelValues("success").Inc()
	c.log.Info(ctx, "access token refreshed")
	return nil
}
