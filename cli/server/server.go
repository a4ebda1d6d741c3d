// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/scottyapp/scotty/apiserver"
	"github.com/scottyapp/scotty/appstate"
	"github.com/scottyapp/scotty/config"
	"github.com/scottyapp/scotty/dockerclient"
	"github.com/scottyapp/scotty/identity"
	"github.com/scottyapp/scotty/logger"
	"github.com/scottyapp/scotty/server"
)

type serverCommand struct {
	envfile  string
	confdir  string
	insecure bool
}

func (c *serverCommand) run(*kingpin.ParseContext) error {
	godotenv.Load(c.envfile) //nolint:errcheck

	cfg, err := config.Load(c.confdir)
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the service configuration")
		return err
	}
	if c.insecure {
		cfg.Server.Insecure = true
	}

	initLogging()

	docker, err := dockerclient.NewFromEnv()
	if err != nil {
		logrus.WithError(err).Errorln("failed to initialize docker client")
		return err
	}

	state, err := appstate.New(cfg, docker, bootstrapValidator(cfg))
	if err != nil {
		logrus.WithError(err).Errorln("failed to assemble application state")
		return err
	}
	defer state.Close() //nolint:errcheck

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer func() {
		signal.Stop(sig)
		cancel()
	}()
	go func() {
		select {
		case val := <-sig:
			logrus.Infof("received OS signal to exit server: %s", val)
			cancel()
		case <-ctx.Done():
			logrus.Infoln("received a done signal to exit server")
		}
	}()

	state.RunSchedulers(ctx)

	srv := server.Server{
		Addr:     cfg.Server.Bind,
		Handler:  apiserver.Handler(state),
		CertFile: cfg.Server.TLSCert,
		KeyFile:  cfg.Server.TLSKey,
		Insecure: cfg.Server.Insecure,
	}

	logrus.Infof("server listening at %s", cfg.Server.Bind)

	err = srv.Start(ctx)
	if err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}
	if err != nil {
		logrus.Errorf("program terminated with error: %s", err)
	}
	return err
}

// bootstrapValidator builds the identity.Validator from the
// statically configured bootstrap tokens, used until a real identity
// provider is wired in front of the control plane.
func bootstrapValidator(cfg *config.Config) identity.Validator {
	tokens := make(map[string]identity.User, len(cfg.Auth.BootstrapTokens))
	for token, email := range cfg.Auth.BootstrapTokens {
		tokens[token] = identity.User{ID: email, Email: email}
	}
	return identity.NewBearerValidator(tokens)
}

// Register the server commands.
func Register(app *kingpin.Application) {
	c := new(serverCommand)

	cmd := app.Command("server", "start the control plane server").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)

	cmd.Flag("config-dir", "configuration directory").
		Default("config").
		StringVar(&c.confdir)

	cmd.Flag("insecure", "run without mTLS").
		BoolVar(&c.insecure)
}

// OutputSplitter routes error-level log lines to stderr and
// everything else to stdout, matching the convention structured log
// collectors expect.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

func initLogging() {
	logrus.SetOutput(&OutputSplitter{})
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)
	if os.Getenv("SCOTTY_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	}
	if os.Getenv("SCOTTY_TRACE") != "" {
		l.SetLevel(logrus.TraceLevel)
	}
}
