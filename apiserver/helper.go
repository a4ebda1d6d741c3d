// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/api"
	apperrors "github.com/scottyapp/scotty/errors"
)

var epoch = time.Unix(0, 0).Format(time.RFC1123)

var noCacheHeaders = map[string]string{
	"Expires":         epoch,
	"Cache-Control":   "no-cache, private, max-age=0",
	"Pragma":          "no-cache",
	"X-Accel-Expires": "0",
}

// WriteJSON writes the json-encoded representation of v to the
// response body with status.
func WriteJSON(w http.ResponseWriter, v interface{}, status int) {
	for k, val := range noCacheHeaders {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Errorln("failed to encode response")
	}
}

// WriteError maps err's apperrors.Kind to the matching HTTP status and
// writes the uniform error body.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, api.ErrorResponse{Error: err.Error()}, apperrors.StatusCode(err))
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InvalidInput("malformed request body: " + err.Error())
	}
	return nil
}
