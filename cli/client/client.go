// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package client implements the "client" subcommand: a bearer-token
// probe against a running server's GET /api/v1/info, used as a
// readiness check in deployment scripts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/scottyapp/scotty/api"
)

type clientCommand struct {
	endpoint string
	token    string
	timeout  time.Duration
}

func (c *clientCommand) run(*kingpin.ParseContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	info, err := fetchInfo(ctx, c.endpoint, c.token)
	if err != nil {
		logrus.WithError(err).Errorln("health check failed")
		return err
	}
	fmt.Printf("version=%s auth_mode=%s\n", info.Version, info.AuthMode)
	return nil
}

func fetchInfo(ctx context.Context, endpoint, token string) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/v1/info", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}

	out := new(api.HealthResponse)
	if err := json.Unmarshal(body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register the client commands.
func Register(app *kingpin.Application) {
	c := new(clientCommand)

	cmd := app.Command("client", "probe a running server").
		Action(c.run)

	cmd.Flag("endpoint", "server base URL").
		Default("http://localhost:3000").
		StringVar(&c.endpoint)

	cmd.Flag("token", "bearer token").
		StringVar(&c.token)

	cmd.Flag("timeout", "request timeout").
		Default("10s").
		DurationVar(&c.timeout)
}
