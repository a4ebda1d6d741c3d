// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package identity treats the external identity provider as a single
// narrow contract: given a token, return a validated user or reject.
// OAuth device/web flow wire details are out of scope for the core;
// any concrete provider plugs in behind this interface.
package identity

import (
	"context"

	apperrors "github.com/scottyapp/scotty/errors"
)

// User is the authenticated principal handed back to the
// authorization engine.
type User struct {
	ID    string
	Email string
}

// Validator exchanges a bearer token for a validated user.
type Validator interface {
	Validate(ctx context.Context, token string) (User, error)
}

// BearerValidator is the simplest concrete Validator: it accepts a
// fixed set of tokens mapped to static users, suitable for the
// bootstrap/fallback authorization mode and for tests. A production
// deployment supplies its own Validator backed by the real identity
// service.
type BearerValidator struct {
	tokens map[string]User
}

func NewBearerValidator(tokens map[string]User) *BearerValidator {
	return &BearerValidator{tokens: tokens}
}

func (b *BearerValidator) Validate(_ context.Context, token string) (User, error) {
	u, ok := b.tokens[token]
	if !ok {
		return User{}, apperrors.Unauthorized("invalid bearer token")
	}
	return u, nil
}
