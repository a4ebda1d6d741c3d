// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/scottyapp/scotty/authz"
	apperrors "github.com/scottyapp/scotty/errors"
)

type ctxKey int

const userIDKey ctxKey = iota

// authenticate extracts the bearer token, validates it against the
// identity provider (falling back to the bootstrap token when the
// authorization table has never had a real policy loaded), and stores
// the resolved user id on the request context.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			WriteError(w, apperrors.Unauthorized("missing bearer token"))
			return
		}

		if s.state.Authz.IsFallback() && s.state.Authz.CheckBootstrapToken(token) {
			ctx := context.WithValue(r.Context(), userIDKey, authz.Wildcard)
			next(w, r.WithContext(ctx))
			return
		}

		user, err := s.state.Identity.Validate(r.Context(), token)
		if err != nil {
			WriteError(w, apperrors.Unauthorized("invalid bearer token"))
			return
		}
		userID := authz.IdentifyUser(user.Email, token)
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// requirePermission wraps a handler with an authz.Check against appName
// resolved from the chi URL param named "app".
func (s *Server) requirePermission(perm authz.Permission, appParam string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := chi.URLParam(r, appParam)
		if userID(r) == authz.Wildcard {
			next(w, r)
			return
		}
		if !s.state.Authz.Check(userID(r), app, perm) {
			WriteError(w, apperrors.Forbidden("not authorized for this operation"))
			return
		}
		next(w, r)
	}
}

// requireGlobalPermission gates the authorization-admin and audit
// endpoints, which act on the policy itself rather than on one app.
func (s *Server) requireGlobalPermission(perm authz.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == authz.Wildcard {
			next(w, r)
			return
		}
		if !s.state.Authz.CheckGlobal(userID(r), perm) {
			WriteError(w, apperrors.Forbidden("not authorized for this operation"))
			return
		}
		next(w, r)
	}
}
