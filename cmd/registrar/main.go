// Command registrar runs a standalone SIP registrar server: it accepts
// REGISTER requests, challenges them with digest auth, and keeps bindings
// alive until they expire.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	dialog "github.com/fmus3g/sipstack"
	"github.com/fmus3g/sipstack/registrar"
	"github.com/fmus3g/sipstack/sip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func main() {
	extIP := flag.String("ip", "127.0.0.1:5060", "local address to bind")
	realm := flag.String("realm", "sipstack", "authentication realm, also used as the registrar domain")
	tran := flag.String("t", "udp", "transport: udp or tcp")
	metricsAddr := flag.String("metrics", ":9100", "address for the /metrics endpoint; empty disables it")
	seedUser := flag.String("seed-user", "", "username to preload, format user:password")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	audit := logrus.New()
	audit.SetFormatter(&logrus.JSONFormatter{})

	reg := prometheus.NewRegistry()
	sipMetrics := sip.NewMetrics(reg)

	ua, err := dialog.NewUA(dialog.WithUserAgent(*realm), dialog.WithMetrics(sipMetrics))
	if err != nil {
		log.Fatal().Err(err).Msg("fail to setup user agent")
	}

	srv, err := dialog.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("fail to setup server handle")
	}

	r := registrar.NewRegistrar(*realm, registrar.WithRegistrarLogger(log.Logger.With().Str("caller", "registrar").Logger()))

	if *seedUser != "" {
		user, pass, ok := strings.Cut(*seedUser, ":")
		if !ok {
			log.Fatal().Str("seed-user", *seedUser).Msg("expected user:password")
		}
		r.Accounts.Add(user, pass, "")
		audit.WithField("username", user).Info("account seeded")
	}

	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		username := ""
		if to := req.To(); to != nil {
			username = to.Address.User
		}
		before := r.Bindings.Registered("sip:"+username+"@"+*realm, time.Now())

		r.HandleRegister(req, tx)

		after := r.Bindings.Registered("sip:"+username+"@"+*realm, time.Now())
		audit.WithFields(logrus.Fields{
			"username": username,
			"source":   req.Source(),
			"bound":    after,
		}).Info("register processed")

		if before != after {
			audit.WithField("username", username).WithField("bound", after).Info("binding state changed")
		}
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
	}

	log.Info().Str("ip", *extIP).Str("realm", *realm).Msg("starting registrar")
	if err := srv.ListenAndServe(context.TODO(), *tran, *extIP); err != nil {
		log.Error().Err(err).Msg("fail to serve")
	}
}
